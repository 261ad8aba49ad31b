package agenttools_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/agentdriver/fake"
	"github.com/mainthread-dev/mainthread/internal/agenttools"
	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/engine"
	"github.com/mainthread-dev/mainthread/internal/eventbus"
	"github.com/mainthread-dev/mainthread/internal/notify"
	"github.com/mainthread-dev/mainthread/internal/orchestrator"
	"github.com/mainthread-dev/mainthread/internal/rendezvous"
	"github.com/mainthread-dev/mainthread/internal/store"
	"github.com/mainthread-dev/mainthread/internal/taskregistry"
)

func newHarness(t *testing.T, driver agentdriver.Driver) (*agenttools.Tools, store.Store) {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New(st)
	tasks := taskregistry.New()
	eng := engine.New(st, bus, tasks, driver, engine.Config{
		MaxAgents: 5, AgentTimeout: 2 * time.Second, MaxRetries: 0, RetryDelay: time.Millisecond,
	}, nil)
	sched := notify.New(eng, nil)
	t.Cleanup(sched.Shutdown)
	rv := rendezvous.New()
	o := orchestrator.New(st, bus, eng, tasks, rv, sched, nil)
	return agenttools.New(o), st
}

func TestTools_SpawnThread_EndsWithSpawnMarker(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{}))

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent", MaxDepth: 1})
	require.NoError(t, err)

	result, err := tools.SpawnThread(context.Background(), parent.ID, agenttools.SpawnThreadParams{Title: "child"})
	require.NoError(t, err)

	children, err := st.ListThreads(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, children, 2)

	var childID string
	for _, c := range children {
		if c.ParentID == parent.ID {
			childID = c.ID
		}
	}
	require.NotEmpty(t, childID)
	assert.True(t, strings.HasSuffix(result, "<!--SPAWN_DATA:"+childID+"-->"))
}

func TestTools_ListThreads_ReportsOwnChildrenOnly(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{}))

	a, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "a", MaxDepth: 1})
	require.NoError(t, err)
	_, err = st.CreateThread(context.Background(), store.CreateThreadParams{Title: "b"})
	require.NoError(t, err)

	out, err := tools.ListThreads(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "no sub-threads", out)

	_, err = tools.SpawnThread(context.Background(), a.ID, agenttools.SpawnThreadParams{Title: "child-of-a"})
	require.NoError(t, err)

	out, err = tools.ListThreads(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "child-of-a")
}

func TestTools_ReadThread_RejectsNonChild(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{}))

	a, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "a"})
	require.NoError(t, err)
	b, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "b"})
	require.NoError(t, err)

	_, err = tools.ReadThread(context.Background(), a.ID, b.ID, 0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestTools_ReadThread_ReturnsChildMessages(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{Events: []agentdriver.Event{
		{Kind: agentdriver.KindText, Content: "child reply [DONE]"},
	}}))

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent", MaxDepth: 1})
	require.NoError(t, err)
	_, err = tools.SpawnThread(context.Background(), parent.ID, agenttools.SpawnThreadParams{
		Title: "child", InitialMessage: "do the thing",
	})
	require.NoError(t, err)

	children, err := st.ListThreads(context.Background(), false)
	require.NoError(t, err)
	var childID string
	for _, c := range children {
		if c.ParentID == parent.ID {
			childID = c.ID
		}
	}
	require.NotEmpty(t, childID)

	require.Eventually(t, func() bool {
		out, err := tools.ReadThread(context.Background(), parent.ID, childID, 0)
		return err == nil && strings.Contains(out, "child reply")
	}, time.Second, 5*time.Millisecond)
}

func TestTools_ArchiveThread_RejectsNonChild(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{}))

	a, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "a"})
	require.NoError(t, err)
	b, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "b"})
	require.NoError(t, err)

	_, err = tools.ArchiveThread(context.Background(), a.ID, b.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestTools_ArchiveThread_ArchivesOwnChild(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{}))

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent"})
	require.NoError(t, err)
	child, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	out, err := tools.ArchiveThread(context.Background(), parent.ID, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "archived", out)

	updated, err := st.GetThread(context.Background(), child.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.ArchivedAt)
}

func TestTools_SendToThread_DelegatesToOrchestrator(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{Events: []agentdriver.Event{{Kind: agentdriver.KindText, Content: "ok [DONE]"}}}))

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent"})
	require.NoError(t, err)
	child, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	out, err := tools.SendToThread(context.Background(), parent.ID, child.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, "sent", out)
}

func TestTools_SignalStatus_RejectsInvalidStatus(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{}))

	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	_, err = tools.SignalStatus(context.Background(), th.ID, "maybe", "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestTools_SignalStatus_FailsWithoutParent(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{}))

	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	_, err = tools.SignalStatus(context.Background(), th.ID, "done", "all good")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestTools_SignalStatus_SucceedsForChild(t *testing.T) {
	tools, st := newHarness(t, fake.New(fake.Script{}))

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent"})
	require.NoError(t, err)
	child, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	out, err := tools.SignalStatus(context.Background(), child.ID, "blocked", "need input")
	require.NoError(t, err)
	assert.Equal(t, "signalled", out)
}
