// Package fake provides a scripted agentdriver.Driver for tests: a fixed
// sequence of events per invocation, with optional per-attempt scripting
// so tests can exercise the retry path deterministically.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
)

// Script is one scripted invocation outcome: either a sequence of events
// terminating a normal stream end, or an error raised mid-stream after
// emitting Events.
type Script struct {
	Events []agentdriver.Event
	Err    error // if set, returned from Next after Events are drained
	Block  bool  // if true, Next blocks on ctx.Done() after Events (simulates hang)
}

// Driver replays a queue of Scripts, one per call to Run. Calling Run more
// times than there are scripts repeats the last script.
type Driver struct {
	mu      sync.Mutex
	scripts []Script
	calls   int
	Inputs  []agentdriver.Input
}

// New returns a Driver that replays scripts in order across successive
// Run calls.
func New(scripts ...Script) *Driver {
	return &Driver{scripts: scripts}
}

func (d *Driver) Run(ctx context.Context, in agentdriver.Input) (agentdriver.Stream, error) {
	d.mu.Lock()
	d.Inputs = append(d.Inputs, in)
	idx := d.calls
	if idx >= len(d.scripts) {
		idx = len(d.scripts) - 1
	}
	d.calls++
	var script Script
	if idx >= 0 {
		script = d.scripts[idx]
	}
	d.mu.Unlock()

	return &stream{script: script}, nil
}

type stream struct {
	script Script
	pos    int
}

func (s *stream) Next(ctx context.Context) (agentdriver.Event, bool, error) {
	if s.pos < len(s.script.Events) {
		ev := s.script.Events[s.pos]
		s.pos++
		return ev, true, nil
	}
	if s.script.Block {
		<-ctx.Done()
		return agentdriver.Event{}, false, ctx.Err()
	}
	if s.script.Err != nil {
		err := s.script.Err
		s.script.Err = nil // raise once
		return agentdriver.Event{}, false, err
	}
	return agentdriver.Event{}, false, nil
}

func (s *stream) Close() error { return nil }

// ErrDriverCrash is a convenience sentinel scripts can use to simulate a
// mid-stream crash.
var ErrDriverCrash = errors.New("agent process exited unexpectedly")
