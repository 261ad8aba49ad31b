package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainthread-dev/mainthread/internal/store"
)

func TestOpen_InMemory(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Ping())

	var fkEnabled int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.Equal(t, 1, fkEnabled)
}

func TestMigrate(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, store.Migrate(db))

	tables := []string{"threads", "messages", "events", "thread_seq_counters"}
	for _, table := range tables {
		var count int64
		err := db.QueryRow("SELECT count(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, "table %q does not exist or is not queryable", table)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, store.Migrate(db))
	require.NoError(t, store.Migrate(db))
}

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_CreateAndGetThread(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	th, err := s.CreateThread(ctx, store.CreateThreadParams{
		Title:   "root thread",
		Model:   "claude-opus",
		MaxDepth: 3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, th.ID)
	assert.Equal(t, store.StatusActive, th.Status)

	got, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, th.Title, got.Title)
	assert.Equal(t, th.Model, got.Model)
}

func TestSQLiteStore_GetThread_NotFound(t *testing.T) {
	s := newSQLiteStore(t)
	_, err := s.GetThread(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSQLiteStore_AppendEvent_MonotonicSeq(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	th, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	seq1, err := s.AppendEvent(ctx, th.ID, "status_change", []byte(`{"status":"running"}`))
	require.NoError(t, err)
	seq2, err := s.AppendEvent(ctx, th.ID, "status_change", []byte(`{"status":"done"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)

	events, err := s.EventsSince(ctx, th.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestSQLiteStore_EventsSince_Replay(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	th, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, th.ID, "text", []byte("chunk"))
		require.NoError(t, err)
	}

	events, err := s.EventsSince(ctx, th.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)
	assert.Equal(t, int64(5), events[1].Seq)
}

func TestSQLiteStore_AddMessage_LargePayloadRoundTrips(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	th, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	m, err := s.AddMessage(ctx, store.AddMessageParams{
		ThreadID: th.ID,
		Role:     store.RoleAssistant,
		Content:  string(big),
	})
	require.NoError(t, err)

	msgs, err := s.GetMessagesPaginated(ctx, th.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.Content, msgs[0].Content)
}

func TestSQLiteStore_ThreadDepth(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	root, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "root"})
	require.NoError(t, err)
	child, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "child", ParentID: root.ID})
	require.NoError(t, err)
	grandchild, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "gc", ParentID: child.ID})
	require.NoError(t, err)

	d, err := s.ThreadDepth(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	d, err = s.ThreadDepth(ctx, grandchild.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d)
}

func TestSQLiteStore_ArchiveThread_ExcludedFromDefaultList(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	th, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveThread(ctx, th.ID))

	active, err := s.ListThreads(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListThreads(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].ArchivedAt)
}

func TestSQLiteStore_ResetStalePending(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	th, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateThreadStatus(ctx, th.ID, store.StatusPending))

	require.NoError(t, s.ResetStalePending(ctx))

	got, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
}

func TestSQLiteStore_ResetAllThreads_ClearsMessages(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	th, err := s.CreateThread(ctx, store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, store.AddMessageParams{ThreadID: th.ID, Role: store.RoleUser, Content: "hi"})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, th.ID, "text", []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, s.ResetAllThreads(ctx))

	msgs, err := s.GetMessagesPaginated(ctx, th.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
