// Package rendezvous implements the request/response handshake between a
// running turn and the human answering an interactive prompt: a question
// or a plan-approval request blocks the turn until a matching response
// arrives, or its timeout elapses.
package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mainthread-dev/mainthread/internal/apperr"
)

const (
	// QuestionTimeout bounds how long a turn waits for an answer to an
	// ask_user_question prompt.
	QuestionTimeout = 300 * time.Second
	// PlanApprovalTimeout bounds how long a turn waits for a plan
	// approval decision, longer since it often requires human review.
	PlanApprovalTimeout = 600 * time.Second
)

// Kind distinguishes the two prompt shapes a thread can have pending.
type Kind string

const (
	KindQuestion      Kind = "question"
	KindPlanApproval  Kind = "plan_approval"
)

// Response is whatever the caller supplied to Resolve, opaque to this
// package.
type Response struct {
	Kind    Kind
	Payload any
}

type slot struct {
	kind    Kind
	ch      chan Response
	cleared chan struct{}
}

// Registry tracks at most one pending prompt per thread.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

// timeoutFor returns the wait bound for a prompt kind.
func timeoutFor(kind Kind) time.Duration {
	if kind == KindPlanApproval {
		return PlanApprovalTimeout
	}
	return QuestionTimeout
}

// Await registers threadID as having a pending prompt of kind and blocks
// until Resolve is called with a matching response, ctx is cancelled, or
// the kind's timeout elapses. Returns apperr.AlreadyPending if a prompt is
// already pending for threadID.
func (r *Registry) Await(ctx context.Context, threadID string, kind Kind) (Response, error) {
	r.mu.Lock()
	if _, exists := r.slots[threadID]; exists {
		r.mu.Unlock()
		return Response{}, apperr.AlreadyPending("a prompt is already pending for thread %q", threadID)
	}
	s := &slot{kind: kind, ch: make(chan Response, 1), cleared: make(chan struct{})}
	r.slots[threadID] = s
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.slots[threadID] == s {
			delete(r.slots, threadID)
		}
		r.mu.Unlock()
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeoutFor(kind))
	defer cancel()

	select {
	case resp := <-s.ch:
		return resp, nil
	case <-s.cleared:
		return Response{}, apperr.Cancelled("prompt for thread %q was cleared", threadID)
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return Response{}, apperr.Cancelled("prompt wait cancelled for thread %q", threadID)
		}
		return Response{}, apperr.Timeout("prompt timed out for thread %q", threadID)
	}
}

// Resolve delivers resp to the goroutine awaiting threadID's prompt.
// Returns apperr.NotFound if no prompt is pending, and a validation error
// if resp.Kind does not match the pending prompt's kind.
func (r *Registry) Resolve(threadID string, resp Response) error {
	r.mu.Lock()
	s, ok := r.slots[threadID]
	r.mu.Unlock()
	if !ok {
		return apperr.NotFound("no prompt pending for thread %q", threadID)
	}
	if s.kind != resp.Kind {
		return apperr.Validation("thread %q has a pending %s prompt, not %s", threadID, s.kind, resp.Kind)
	}
	select {
	case s.ch <- resp:
		return nil
	default:
		return apperr.New(apperr.KindInfrastructure, fmt.Sprintf("prompt slot for thread %q already resolved", threadID))
	}
}

// Pending reports whether threadID has an outstanding prompt and, if so,
// which kind.
func (r *Registry) Pending(threadID string) (Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[threadID]
	if !ok {
		return "", false
	}
	return s.kind, true
}

// Clear drops any pending prompt for threadID without resolving it,
// letting the blocked Await return a cancelled error if its ctx allows.
// Used when a thread is stopped or archived out from under a pending
// prompt.
func (r *Registry) Clear(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[threadID]; ok {
		close(s.cleared)
		delete(r.slots, threadID)
	}
}
