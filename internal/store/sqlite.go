package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/id"
)

// sqliteStore is the durable Store backed by a single SQLite connection.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens path, runs pending migrations, and returns a ready Store.
func NewSQLite(path string) (Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqliteStore) CreateThread(ctx context.Context, p CreateThreadParams) (*Thread, error) {
	now := time.Now().UTC()
	threadID := p.ID
	if threadID == "" {
		threadID = id.Generate()
	}
	t := &Thread{
		ID:                    threadID,
		Title:                 p.Title,
		ParentID:              p.ParentID,
		WorkDir:               p.WorkDir,
		Model:                 p.Model,
		PermissionMode:        p.PermissionMode,
		ExtendedThinking:      p.ExtendedThinking,
		AutoReact:             p.AutoReact,
		Git:                   p.Git,
		Ephemeral:             p.Ephemeral,
		AllowNestedSubthreads: p.AllowNestedSubthreads,
		MaxDepth:              p.MaxDepth,
		Status:                StatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	var parentID any
	if t.ParentID != "" {
		parentID = t.ParentID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (
			id, title, parent_id, work_dir, session_token, model, permission_mode,
			extended_thinking, auto_react, git_branch, git_repo, git_is_worktree,
			git_worktree_branch, ephemeral, allow_nested_subthreads, max_depth,
			usage_input_tokens, usage_output_tokens, usage_cost_usd, status,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,0,0,?,?,?)`,
		t.ID, t.Title, parentID, t.WorkDir, "", t.Model, t.PermissionMode,
		boolToInt(t.ExtendedThinking), boolToInt(t.AutoReact), t.Git.Branch, t.Git.Repo,
		boolToInt(t.Git.IsWorktree), t.Git.WorktreeBranch, boolToInt(t.Ephemeral),
		boolToInt(t.AllowNestedSubthreads), t.MaxDepth,
		t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "create thread")
	}
	return t, nil
}

const threadColumns = `
	id, title, parent_id, work_dir, session_token, model, permission_mode,
	extended_thinking, auto_react, git_branch, git_repo, git_is_worktree,
	git_worktree_branch, ephemeral, allow_nested_subthreads, max_depth,
	usage_input_tokens, usage_output_tokens, usage_cost_usd, status,
	archived_at, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*Thread, error) {
	var t Thread
	var parentID sql.NullString
	var extThinking, autoReact, isWorktree, ephemeral, allowNested int
	var archivedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Title, &parentID, &t.WorkDir, &t.SessionToken, &t.Model, &t.PermissionMode,
		&extThinking, &autoReact, &t.Git.Branch, &t.Git.Repo, &isWorktree,
		&t.Git.WorktreeBranch, &ephemeral, &allowNested, &t.MaxDepth,
		&t.UsageInputTokens, &t.UsageOutputTokens, &t.UsageCostUSD, &t.Status,
		&archivedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ParentID = parentID.String
	t.ExtendedThinking = extThinking != 0
	t.AutoReact = autoReact != 0
	t.Git.IsWorktree = isWorktree != 0
	t.Ephemeral = ephemeral != 0
	t.AllowNestedSubthreads = allowNested != 0
	if archivedAt.Valid {
		at := archivedAt.Time
		t.ArchivedAt = &at
	}
	return &t, nil
}

func (s *sqliteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+threadColumns+" FROM threads WHERE id = ?", id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("thread %q not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "get thread")
	}
	return t, nil
}

func (s *sqliteStore) ListThreads(ctx context.Context, includeArchived bool) ([]*Thread, error) {
	q := "SELECT " + threadColumns + " FROM threads"
	if !includeArchived {
		q += " WHERE archived_at IS NULL"
	}
	q += " ORDER BY created_at ASC"
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "list threads")
	}
	defer rows.Close()
	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, err, "scan thread")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateThreadStatus(ctx context.Context, id, status string) error {
	return s.touchExec(ctx, "UPDATE threads SET status = ?, updated_at = ? WHERE id = ?", id, status)
}

func (s *sqliteStore) touchExec(ctx context.Context, query, id string, arg any) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query, arg, now, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "update thread")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "update thread")
	}
	if n == 0 {
		return apperr.NotFound("thread %q not found", id)
	}
	return nil
}

func (s *sqliteStore) UpdateThreadSession(ctx context.Context, id, token string) error {
	return s.touchExec(ctx, "UPDATE threads SET session_token = ?, updated_at = ? WHERE id = ?", id, token)
}

func (s *sqliteStore) UpdateThreadTitle(ctx context.Context, id, title string) error {
	return s.touchExec(ctx, "UPDATE threads SET title = ?, updated_at = ? WHERE id = ?", id, title)
}

func (s *sqliteStore) UpdateThreadConfig(ctx context.Context, id string, patch ConfigPatch) error {
	t, err := s.GetThread(ctx, id)
	if err != nil {
		return err
	}
	if patch.Model != nil {
		t.Model = *patch.Model
	}
	if patch.PermissionMode != nil {
		t.PermissionMode = *patch.PermissionMode
	}
	if patch.ExtendedThinking != nil {
		t.ExtendedThinking = *patch.ExtendedThinking
	}
	if patch.AutoReact != nil {
		t.AutoReact = *patch.AutoReact
	}
	if patch.WorkDir != nil {
		t.WorkDir = *patch.WorkDir
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET model = ?, permission_mode = ?, extended_thinking = ?,
			auto_react = ?, work_dir = ?, updated_at = ? WHERE id = ?`,
		t.Model, t.PermissionMode, boolToInt(t.ExtendedThinking), boolToInt(t.AutoReact),
		t.WorkDir, now, id,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "update thread config")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("thread %q not found", id)
	}
	return nil
}

func (s *sqliteStore) UpdateThreadUsage(ctx context.Context, id string, dInput, dOutput int64, dCost float64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET usage_input_tokens = usage_input_tokens + ?,
			usage_output_tokens = usage_output_tokens + ?,
			usage_cost_usd = usage_cost_usd + ?, updated_at = ? WHERE id = ?`,
		dInput, dOutput, dCost, now, id,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "update thread usage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("thread %q not found", id)
	}
	return nil
}

func (s *sqliteStore) UpdateThreadGit(ctx context.Context, id string, g GitMeta) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET git_branch = ?, git_repo = ?, git_is_worktree = ?,
			git_worktree_branch = ?, updated_at = ? WHERE id = ?`,
		g.Branch, g.Repo, boolToInt(g.IsWorktree), g.WorktreeBranch, now, id,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "update thread git")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("thread %q not found", id)
	}
	return nil
}

func (s *sqliteStore) ArchiveThread(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, "UPDATE threads SET archived_at = ?, updated_at = ? WHERE id = ?", now, now, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "archive thread")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("thread %q not found", id)
	}
	return nil
}

func (s *sqliteStore) UnarchiveThread(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, "UPDATE threads SET archived_at = NULL, updated_at = ? WHERE id = ?", now, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "unarchive thread")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("thread %q not found", id)
	}
	return nil
}

func (s *sqliteStore) ClearThreadMessages(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", id); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "clear thread messages")
	}
	return nil
}

func (s *sqliteStore) AddMessage(ctx context.Context, p AddMessageParams) (*Message, error) {
	now := time.Now().UTC()
	m := &Message{
		ID:        id.Generate(),
		ThreadID:  p.ThreadID,
		Role:      p.Role,
		Content:   p.Content,
		Blocks:    p.Blocks,
		CreatedAt: now,
	}
	content, contentComp := compress([]byte(m.Content))
	blocks, blocksComp := compress(m.Blocks)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "add message")
	}
	defer tx.Rollback()

	var nextSeq int64
	err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?", p.ThreadID).Scan(&nextSeq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "add message")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, content_compression, blocks, blocks_compression, created_at, seq)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ThreadID, m.Role, content, contentComp, blocks, blocksComp, m.CreatedAt, nextSeq,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "add message")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "add message")
	}
	return m, nil
}

func (s *sqliteStore) UpdateMessage(ctx context.Context, id, content string, blocks []byte) error {
	c, cComp := compress([]byte(content))
	b, bComp := compress(blocks)
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, content_compression = ?, blocks = ?, blocks_compression = ? WHERE id = ?`,
		c, cComp, b, bComp, id,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "update message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("message %q not found", id)
	}
	return nil
}

func (s *sqliteStore) GetMessagesPaginated(ctx context.Context, threadID string, limit, offsetFromEnd int) ([]*Message, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM messages WHERE thread_id = ?", threadID).Scan(&total); err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "count messages")
	}
	if limit <= 0 || limit > total {
		limit = total
	}
	start := total - offsetFromEnd - limit
	if start < 0 {
		limit += start
		start = 0
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, content_compression, blocks, blocks_compression, created_at
		FROM messages WHERE thread_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
		threadID, limit, start,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "get messages")
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		var m Message
		var content, blocks []byte
		var contentComp, blocksComp Compression
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &content, &contentComp, &blocks, &blocksComp, &m.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, err, "scan message")
		}
		decContent, err := decompress(content, contentComp)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, err, "decompress message content")
		}
		m.Content = string(decContent)
		m.Blocks, err = decompress(blocks, blocksComp)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, err, "decompress message blocks")
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, threadID, typ string, payload []byte) (int64, error) {
	now := time.Now().UTC()
	data, comp := compress(payload)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInfrastructure, err, "append event")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO thread_seq_counters (thread_id, next_seq) VALUES (?, 2)
		ON CONFLICT(thread_id) DO UPDATE SET next_seq = next_seq + 1`,
		threadID,
	)
	_ = res
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInfrastructure, err, "append event")
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT next_seq - 1 FROM thread_seq_counters WHERE thread_id = ?", threadID).Scan(&seq); err != nil {
		return 0, apperr.Wrap(apperr.KindInfrastructure, err, "append event")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (thread_id, seq, type, payload, compression, created_at) VALUES (?,?,?,?,?,?)`,
		threadID, seq, typ, data, comp, now,
	); err != nil {
		return 0, apperr.Wrap(apperr.KindInfrastructure, err, "append event")
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.KindInfrastructure, err, "append event")
	}
	return seq, nil
}

func (s *sqliteStore) EventsSince(ctx context.Context, threadID string, lastSeq int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, seq, type, payload, compression, created_at
		FROM events WHERE thread_id = ? AND seq > ? ORDER BY seq ASC`,
		threadID, lastSeq,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "events since")
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var e Event
		var payload []byte
		var comp Compression
		if err := rows.Scan(&e.ThreadID, &e.Seq, &e.Type, &payload, &comp, &e.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, err, "scan event")
		}
		e.Payload, err = decompress(payload, comp)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, err, "decompress event payload")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestSeq(ctx context.Context, threadID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM events WHERE thread_id = ?", threadID).Scan(&seq)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInfrastructure, err, "latest seq")
	}
	return seq.Int64, nil
}

func (s *sqliteStore) ClearThreadEvents(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE thread_id = ?", threadID); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "clear thread events")
	}
	return nil
}

func (s *sqliteStore) TrimEventsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInfrastructure, err, "trim events")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInfrastructure, err, "trim events")
	}
	return n, nil
}

func (s *sqliteStore) ThreadDepth(ctx context.Context, id string) (int, error) {
	depth := 0
	current := id
	for i := 0; i < 64; i++ {
		var parentID sql.NullString
		err := s.db.QueryRowContext(ctx, "SELECT parent_id FROM threads WHERE id = ?", current).Scan(&parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.NotFound("thread %q not found", current)
		}
		if err != nil {
			return 0, apperr.Wrap(apperr.KindInfrastructure, err, "thread depth")
		}
		if !parentID.Valid || parentID.String == "" {
			return depth, nil
		}
		depth++
		current = parentID.String
	}
	return 0, apperr.Wrap(apperr.KindInfrastructure, fmt.Errorf("exceeded max chain walk"), "thread depth: possible cycle")
}

func (s *sqliteStore) ListRunningThreads(ctx context.Context) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+threadColumns+" FROM threads WHERE status = ? AND archived_at IS NULL", StatusRunning)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, err, "list running threads")
	}
	defer rows.Close()
	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, err, "scan thread")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResetStalePending(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, "UPDATE threads SET status = ?, updated_at = ? WHERE status = ?", StatusActive, now, StatusPending)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "reset stale pending")
	}
	return nil
}

func (s *sqliteStore) ResetAllThreads(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "reset all threads")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "reset all threads")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "reset all threads")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM thread_seq_counters"); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "reset all threads")
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, "UPDATE threads SET status = ?, updated_at = ? WHERE archived_at IS NULL", StatusActive, now); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, err, "reset all threads")
	}
	return tx.Commit()
}
