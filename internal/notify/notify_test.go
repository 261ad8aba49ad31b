package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/agentdriver/fake"
	"github.com/mainthread-dev/mainthread/internal/engine"
	"github.com/mainthread-dev/mainthread/internal/eventbus"
	"github.com/mainthread-dev/mainthread/internal/notify"
	"github.com/mainthread-dev/mainthread/internal/store"
	"github.com/mainthread-dev/mainthread/internal/taskregistry"
)

func TestScheduler_RunsNotificationTurn(t *testing.T) {
	st := store.NewMemory()
	bus := eventbus.New(st)
	driver := fake.New(fake.Script{Events: []agentdriver.Event{{Kind: agentdriver.KindText, Content: "ack [DONE]"}}})
	eng := engine.New(st, bus, taskregistry.New(), driver, engine.Config{MaxAgents: 5, AgentTimeout: time.Second, MaxRetries: 0, RetryDelay: time.Millisecond}, nil)

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent"})
	require.NoError(t, err)
	_, err = st.AddMessage(context.Background(), store.AddMessageParams{ThreadID: parent.ID, Role: store.RoleUser, Content: "[notification] child done"})
	require.NoError(t, err)

	sched := notify.New(eng, nil)
	defer sched.Shutdown()
	sched.Enqueue(parent.ID)

	require.Eventually(t, func() bool {
		updated, err := st.GetThread(context.Background(), parent.ID)
		return err == nil && updated.Status == store.StatusDone
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_SerializesPerParent(t *testing.T) {
	st := store.NewMemory()
	bus := eventbus.New(st)
	driver := fake.New(fake.Script{Events: []agentdriver.Event{{Kind: agentdriver.KindText, Content: "ok"}}})
	eng := engine.New(st, bus, taskregistry.New(), driver, engine.Config{MaxAgents: 5, AgentTimeout: time.Second, MaxRetries: 0, RetryDelay: time.Millisecond}, nil)

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent"})
	require.NoError(t, err)

	sched := notify.New(eng, nil)
	defer sched.Shutdown()
	for i := 0; i < 5; i++ {
		_, err := st.AddMessage(context.Background(), store.AddMessageParams{ThreadID: parent.ID, Role: store.RoleUser, Content: "notice"})
		require.NoError(t, err)
		sched.Enqueue(parent.ID)
	}

	require.Eventually(t, func() bool {
		msgs, err := st.GetMessagesPaginated(context.Background(), parent.ID, 0, 0)
		return err == nil && len(msgs) >= 10 // 5 notices + 5 assistant replies
	}, time.Second, 5*time.Millisecond)

	updated, err := st.GetThread(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, updated.Status)
}
