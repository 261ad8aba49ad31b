// Package notify runs one sequential worker per parent thread, replaying
// already-persisted notification turns through the ExecutionEngine so a
// burst of child completions never interleaves two turns on the same
// parent.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mainthread-dev/mainthread/internal/engine"
	"github.com/mainthread-dev/mainthread/internal/metrics"
	"github.com/mainthread-dev/mainthread/internal/store"
)

// Scheduler owns one FIFO queue and worker goroutine per parent thread,
// created lazily on first enqueue; the worker runs until Shutdown.
type Scheduler struct {
	Engine *engine.Engine
	Log    *slog.Logger

	mu     sync.Mutex
	queues map[string]chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Scheduler bound to eng. Call Shutdown to stop all workers.
func New(eng *engine.Engine, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		Engine: eng,
		Log:    log,
		queues: make(map[string]chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

const queueCapacity = 256

// Enqueue schedules a notification turn for parentID. The message itself
// must already be persisted as a user message on the parent; this only
// triggers run_turn with skip_add_user_message=true. When the queue is
// full (queueCapacity pending) the trigger is dropped and an error event
// is published on the parent, so an overflow is never silent.
func (s *Scheduler) Enqueue(parentID string) {
	s.mu.Lock()
	q, ok := s.queues[parentID]
	if !ok {
		q = make(chan struct{}, queueCapacity)
		s.queues[parentID] = q
		s.wg.Add(1)
		go s.worker(parentID, q)
	}
	s.mu.Unlock()
	metrics.NotificationsQueued.Inc()

	select {
	case q <- struct{}{}:
	default:
		s.Log.Error("notification queue full, dropping", "parent", parentID)
		_, _ = s.Engine.Bus.Publish(s.ctx, parentID, "error", mustJSON(map[string]string{
			"error": "notification queue overflow; a parent notification was dropped",
		}))
		metrics.NotificationsQueued.Dec()
	}
}

func (s *Scheduler) worker(parentID string, q chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-q:
			metrics.NotificationsQueued.Dec()
			s.runOne(parentID)
		}
	}
}

func (s *Scheduler) runOne(parentID string) {
	th, err := s.Engine.Store.GetThread(s.ctx, parentID)
	if err != nil {
		return // thread gone (archived/deleted); nothing to do
	}
	if th.ArchivedAt != nil {
		return
	}
	err = s.Engine.RunTurn(s.ctx, engine.RunParams{
		ThreadID:           parentID,
		BroadcastStatus:    true,
		SkipAddUserMessage: true,
	})
	if err != nil {
		s.Log.Warn("notification turn failed", "parent", parentID, "err", err)
		_, _ = s.Engine.Bus.Publish(s.ctx, parentID, "error", mustJSON(map[string]string{
			"error": "a sub-thread notification failed to process: " + err.Error(),
		}))
		_ = s.Engine.Store.UpdateThreadStatus(s.ctx, parentID, store.StatusNeedsAttention)
	}
}

// Shutdown stops every worker and waits for in-flight turns to unwind.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func mustJSON(v map[string]string) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
