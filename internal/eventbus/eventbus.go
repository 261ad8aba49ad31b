// Package eventbus fans out per-thread events to SSE subscribers, with
// replay of missed events from the durable store and a periodic heartbeat
// to keep idle connections alive.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mainthread-dev/mainthread/internal/metrics"
	"github.com/mainthread-dev/mainthread/internal/store"
)

const (
	subscriberBuffer  = 64
	heartbeatInterval = 30 * time.Second
)

// Envelope is what a subscriber receives: the event's sequence, type, and
// raw JSON payload, plus a synthetic "connected" / "heartbeat" type the
// bus emits on its own.
type Envelope struct {
	Seq     int64
	Type    string
	Payload json.RawMessage
}

// Subscriber is a single SSE client's inbound channel.
type Subscriber struct {
	ch chan Envelope
}

// C returns the channel events arrive on. The channel is closed when the
// thread is closed or the subscriber is removed.
func (s *Subscriber) C() <-chan Envelope { return s.ch }

// Bus fans out thread events to subscribers and replays backlog on
// subscribe using the durable store as the source of truth.
type Bus struct {
	store store.Store

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{} // threadID -> subscribers

	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
}

// New returns a Bus backed by st. Call Run in a goroutine to start the
// heartbeat loop.
func New(st store.Store) *Bus {
	return &Bus{
		store:         st,
		subs:          make(map[string]map[*Subscriber]struct{}),
		stopHeartbeat: make(chan struct{}),
	}
}

// Run drives the periodic heartbeat until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopHeartbeat:
			return
		case <-ticker.C:
			b.heartbeatAll()
		}
	}
}

func (b *Bus) heartbeatAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for threadID, subs := range b.subs {
		for s := range subs {
			select {
			case s.ch <- Envelope{Type: "heartbeat"}:
			default:
				delete(subs, s)
				close(s.ch)
				metrics.SubscribersActive.Dec()
				metrics.SubscriberDropped.Inc()
			}
		}
		if len(subs) == 0 {
			delete(b.subs, threadID)
		}
	}
}

// Subscribe registers a new subscriber for threadID. If sinceSeq is
// non-zero, any events persisted after that sequence are replayed
// synchronously before Subscribe returns, and a synthetic "connected"
// event carrying the thread's latest known sequence is always emitted
// first.
func (b *Bus) Subscribe(ctx context.Context, threadID string, sinceSeq int64) (*Subscriber, error) {
	latest, err := b.store.LatestSeq(ctx, threadID)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{ch: make(chan Envelope, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[threadID] == nil {
		b.subs[threadID] = make(map[*Subscriber]struct{})
	}
	b.subs[threadID][s] = struct{}{}
	b.mu.Unlock()
	metrics.SubscribersActive.Inc()

	connectedPayload, _ := json.Marshal(struct {
		LatestSeq int64 `json:"latest_seq"`
	}{LatestSeq: latest})
	s.ch <- Envelope{Type: "connected", Payload: connectedPayload}

	if sinceSeq > 0 && sinceSeq < latest {
		backlog, err := b.store.EventsSince(ctx, threadID, sinceSeq)
		if err != nil {
			return s, nil
		}
		for _, e := range backlog {
			select {
			case s.ch <- Envelope{Seq: e.Seq, Type: e.Type, Payload: e.Payload}:
			default:
				metrics.SubscriberDropped.Inc()
			}
		}
	}

	return s, nil
}

// Unsubscribe removes s from threadID's fan-out set and closes its channel.
func (b *Bus) Unsubscribe(threadID string, s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[threadID]; ok {
		if _, present := subs[s]; present {
			delete(subs, s)
			close(s.ch)
			metrics.SubscribersActive.Dec()
		}
		if len(subs) == 0 {
			delete(b.subs, threadID)
		}
	}
}

// Publish persists payload as a new event for threadID and fans it out to
// current subscribers. Non-blocking: a subscriber whose buffer is full is
// unsubscribed and its channel closed, so its SSE handler ends the stream
// and the client reconnects with last_event_id to replay what it missed.
func (b *Bus) Publish(ctx context.Context, threadID, typ string, payload json.RawMessage) (int64, error) {
	seq, err := b.store.AppendEvent(ctx, threadID, typ, payload)
	if err != nil {
		return 0, err
	}
	metrics.EventsPublished.WithLabelValues(typ).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[threadID]
	for s := range subs {
		select {
		case s.ch <- Envelope{Seq: seq, Type: typ, Payload: payload}:
		default:
			delete(subs, s)
			close(s.ch)
			metrics.SubscribersActive.Dec()
			metrics.SubscriberDropped.Inc()
		}
	}
	if len(subs) == 0 {
		delete(b.subs, threadID)
	}
	return seq, nil
}

// CloseThread sends a terminal "shutdown" event to every subscriber of
// threadID, then closes their channels and deregisters them, signalling
// SSE handlers to end the stream (used on archive).
func (b *Bus) CloseThread(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[threadID] {
		select {
		case s.ch <- Envelope{Type: "shutdown"}:
		default:
		}
		close(s.ch)
		metrics.SubscribersActive.Dec()
	}
	delete(b.subs, threadID)
}

// ShutdownAll sends a terminal "shutdown" event to every subscriber of
// every thread and closes their channels, used on process shutdown.
func (b *Bus) ShutdownAll() {
	b.mu.Lock()
	threadIDs := make([]string, 0, len(b.subs))
	for id := range b.subs {
		threadIDs = append(threadIDs, id)
	}
	b.mu.Unlock()
	for _, id := range threadIDs {
		b.CloseThread(id)
	}
}

// Shutdown stops the heartbeat loop. Safe to call multiple times.
func (b *Bus) Shutdown() {
	b.heartbeatOnce.Do(func() { close(b.stopHeartbeat) })
}
