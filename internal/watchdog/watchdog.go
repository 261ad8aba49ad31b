// Package watchdog periodically scans for threads whose turn appears to
// have died without the process that owned it ever reporting back —
// the agent subprocess was killed, the host crashed, or some other
// failure left the thread stuck in "running" with no one left to finish
// it. It is the net under ExecutionEngine's own timeout handling.
package watchdog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mainthread-dev/mainthread/internal/engine"
	"github.com/mainthread-dev/mainthread/internal/eventbus"
	"github.com/mainthread-dev/mainthread/internal/metrics"
	"github.com/mainthread-dev/mainthread/internal/store"
)

// DefaultScanInterval is the production scan cadence.
const DefaultScanInterval = 15 * time.Second

// staleAfter returns how long a thread may sit in "running" with no
// update before the watchdog considers its turn dead.
func staleAfter(agentTimeout time.Duration) time.Duration {
	return agentTimeout + 60*time.Second
}

// Watchdog marks threads whose "running" turn has gone silent past
// AGENT_TIMEOUT+60s as needs-attention, escalating to the parent the
// same way ExecutionEngine does on its own timeout.
type Watchdog struct {
	Store     store.Store
	Bus       *eventbus.Bus
	Escalator engine.ParentEscalator
	Log       *slog.Logger

	agentTimeout time.Duration
	interval     time.Duration
}

// New returns a Watchdog scanning every DefaultScanInterval. agentTimeout
// should match the Engine's configured AgentTimeout, since the staleness
// threshold is derived from it.
func New(st store.Store, bus *eventbus.Bus, esc engine.ParentEscalator, agentTimeout time.Duration, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{Store: st, Bus: bus, Escalator: esc, agentTimeout: agentTimeout, interval: DefaultScanInterval, Log: log}
}

// WithInterval overrides the scan cadence; tests use this to avoid
// waiting out the production 15s default.
func (w *Watchdog) WithInterval(d time.Duration) *Watchdog {
	w.interval = d
	return w
}

// Run scans on a ticker until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ScanOnce(ctx)
		}
	}
}

// ScanOnce runs a single scan pass immediately.
func (w *Watchdog) ScanOnce(ctx context.Context) {
	threads, err := w.Store.ListRunningThreads(ctx)
	if err != nil {
		w.Log.Error("watchdog: list running threads", "err", err)
		return
	}
	threshold := staleAfter(w.agentTimeout)
	now := time.Now().UTC()
	for _, th := range threads {
		if now.Sub(th.UpdatedAt) <= threshold {
			continue
		}
		w.recover(ctx, th)
	}
}

func (w *Watchdog) recover(ctx context.Context, th *store.Thread) {
	if err := w.Store.UpdateThreadStatus(ctx, th.ID, store.StatusNeedsAttention); err != nil {
		w.Log.Error("watchdog: mark needs-attention", "thread", th.ID, "err", err)
		return
	}
	stuckFor := time.Since(th.UpdatedAt).Round(time.Second)
	_, _ = w.Bus.Publish(ctx, th.ID, "error", mustJSON(map[string]string{
		"error": "Process appears to have died (stuck in 'running' for " + stuckFor.String() + "); you can retry.",
	}))
	_, _ = w.Bus.Publish(ctx, th.ID, "status_change", mustJSON(map[string]string{"status": store.StatusNeedsAttention}))
	metrics.WatchdogRecoveries.Inc()

	if th.ParentID != "" && w.Escalator != nil {
		updated, err := w.Store.GetThread(ctx, th.ID)
		if err == nil {
			w.Escalator.NotifyChildError(ctx, updated, "sub-thread process appears to have died")
		}
	}
}

func mustJSON(v map[string]string) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
