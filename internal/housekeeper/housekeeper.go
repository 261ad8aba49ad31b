// Package housekeeper trims old events from the Store so the event log
// doesn't grow without bound. Trimming never renumbers sequence ids:
// a client reconnecting with a stale last-seen seq simply receives every
// retained event in order, skipping the purged gap.
package housekeeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/mainthread-dev/mainthread/internal/metrics"
	"github.com/mainthread-dev/mainthread/internal/store"
)

// DefaultScanInterval is the production trim cadence.
const DefaultScanInterval = 3600 * time.Second

// DefaultRetention is how long an event is kept before it becomes
// eligible for trimming. Must exceed any reasonable client reconnect gap.
const DefaultRetention = 24 * time.Hour

// Housekeeper periodically trims events older than Retention.
type Housekeeper struct {
	Store     store.Store
	Log       *slog.Logger
	Retention time.Duration

	interval time.Duration
}

// New returns a Housekeeper trimming events older than DefaultRetention
// every DefaultScanInterval.
func New(st store.Store, log *slog.Logger) *Housekeeper {
	if log == nil {
		log = slog.Default()
	}
	return &Housekeeper{Store: st, Log: log, Retention: DefaultRetention, interval: DefaultScanInterval}
}

// WithInterval overrides the trim cadence; tests use this to avoid
// waiting out the production 3600s default.
func (h *Housekeeper) WithInterval(d time.Duration) *Housekeeper {
	h.interval = d
	return h
}

// Run trims on a ticker until ctx is cancelled.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.TrimOnce(ctx)
		}
	}
}

// TrimOnce runs a single trim pass immediately.
func (h *Housekeeper) TrimOnce(ctx context.Context) {
	n, err := h.Store.TrimEventsOlderThan(ctx, h.Retention)
	if err != nil {
		h.Log.Error("housekeeper: trim events", "err", err)
		return
	}
	if n > 0 {
		metrics.HousekeeperTrimmed.Add(float64(n))
		h.Log.Info("housekeeper: trimmed events", "count", n)
	}
}
