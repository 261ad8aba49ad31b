package housekeeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainthread-dev/mainthread/internal/housekeeper"
	"github.com/mainthread-dev/mainthread/internal/store"
)

func TestHousekeeper_TrimsOldEventsOnly(t *testing.T) {
	st := store.NewMemory()
	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	_, err = st.AppendEvent(context.Background(), th.ID, "text_delta", []byte(`{}`))
	require.NoError(t, err)

	hk := housekeeper.New(st, nil)
	hk.Retention = 0 // everything already persisted is now "old"
	time.Sleep(5 * time.Millisecond)
	hk.TrimOnce(context.Background())

	events, err := st.EventsSince(context.Background(), th.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHousekeeper_KeepsRecentEvents(t *testing.T) {
	st := store.NewMemory()
	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	_, err = st.AppendEvent(context.Background(), th.ID, "text_delta", []byte(`{}`))
	require.NoError(t, err)

	hk := housekeeper.New(st, nil)
	hk.TrimOnce(context.Background())

	events, err := st.EventsSince(context.Background(), th.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHousekeeper_RunRespectsCustomInterval(t *testing.T) {
	st := store.NewMemory()
	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)
	_, err = st.AppendEvent(context.Background(), th.ID, "text_delta", []byte(`{}`))
	require.NoError(t, err)

	hk := housekeeper.New(st, nil).WithInterval(10 * time.Millisecond)
	hk.Retention = 0
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hk.Run(ctx)

	require.Eventually(t, func() bool {
		events, err := st.EventsSince(context.Background(), th.ID, 0)
		return err == nil && len(events) == 0
	}, time.Second, 5*time.Millisecond)
}
