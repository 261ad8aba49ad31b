package store

import (
	"context"
	"time"
)

// Store is the durable backing for threads, messages, and events. Every
// write commits atomically; append_event is serialized per thread so
// readers never observe a gap in the sequence.
type Store interface {
	CreateThread(ctx context.Context, p CreateThreadParams) (*Thread, error)
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, includeArchived bool) ([]*Thread, error)
	UpdateThreadStatus(ctx context.Context, id, status string) error
	UpdateThreadSession(ctx context.Context, id, token string) error
	UpdateThreadConfig(ctx context.Context, id string, patch ConfigPatch) error
	UpdateThreadTitle(ctx context.Context, id, title string) error
	UpdateThreadUsage(ctx context.Context, id string, dInputTokens, dOutputTokens int64, dCostUSD float64) error
	UpdateThreadGit(ctx context.Context, id string, g GitMeta) error

	AddMessage(ctx context.Context, p AddMessageParams) (*Message, error)
	UpdateMessage(ctx context.Context, id, content string, blocks []byte) error
	GetMessagesPaginated(ctx context.Context, threadID string, limit, offsetFromEnd int) ([]*Message, error)

	ArchiveThread(ctx context.Context, id string) error
	UnarchiveThread(ctx context.Context, id string) error
	ClearThreadMessages(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, threadID, typ string, payload []byte) (int64, error)
	EventsSince(ctx context.Context, threadID string, lastSeq int64) ([]*Event, error)
	LatestSeq(ctx context.Context, threadID string) (int64, error)
	ClearThreadEvents(ctx context.Context, threadID string) error
	TrimEventsOlderThan(ctx context.Context, age time.Duration) (int64, error)

	ThreadDepth(ctx context.Context, id string) (int, error)

	// ListRunningThreads returns all non-archived threads currently in the
	// running status, used by the Watchdog scan.
	ListRunningThreads(ctx context.Context) ([]*Thread, error)

	// ResetStalePending resets any thread left in "pending" back to
	// "active" — recovery for a prior process crash mid-admission.
	ResetStalePending(ctx context.Context) error

	// ResetAllThreads clears every thread's messages and events and marks
	// all non-archived threads active, backing DELETE /threads/all.
	ResetAllThreads(ctx context.Context) error

	Close() error
}
