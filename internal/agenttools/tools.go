// Package agenttools implements the tool bodies an agent driver invokes
// on the control plane's behalf: spawning a child thread, listing or
// reading threads, messaging a child, archiving a thread, and signalling
// a sub-thread's terminal status to its parent. Semantics live in
// Orchestrator; these wrappers only adapt its calls to the flat
// string-in/string-out shape a tool call expects, and enforce the
// "own children only" scoping for sub-thread tools.
package agenttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/orchestrator"
	"github.com/mainthread-dev/mainthread/internal/store"
)

// Tools wraps an Orchestrator with the tool bodies exposed to agents.
type Tools struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
}

// New returns a Tools bound to o.
func New(o *orchestrator.Orchestrator) *Tools {
	return &Tools{Orchestrator: o, Store: o.Store}
}

// SpawnThreadParams collects the SpawnThread tool's arguments.
type SpawnThreadParams struct {
	Title            string
	WorkDir          string
	InitialMessage   string
	Model            string
	PermissionMode   string
	ExtendedThinking *bool
}

// SpawnThread creates a child of callerThreadID and returns tool-result
// text ending in the spawn-data marker the engine extracts to surface
// the new thread id in the tool_result event.
func (t *Tools) SpawnThread(ctx context.Context, callerThreadID string, p SpawnThreadParams) (string, error) {
	child, err := t.Orchestrator.SpawnChild(ctx, orchestrator.SpawnChildParams{
		ParentID:         callerThreadID,
		Title:            p.Title,
		WorkDir:          p.WorkDir,
		InitialMessage:   p.InitialMessage,
		Model:            p.Model,
		PermissionMode:   p.PermissionMode,
		ExtendedThinking: p.ExtendedThinking,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Spawned sub-thread %q (%s).\n<!--SPAWN_DATA:%s-->", child.Title, child.ID, child.ID), nil
}

// ListThreads returns a one-line-per-child summary of callerThreadID's
// own children.
func (t *Tools) ListThreads(ctx context.Context, callerThreadID string) (string, error) {
	all, err := t.Store.ListThreads(ctx, false)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	found := false
	for _, th := range all {
		if th.ParentID != callerThreadID {
			continue
		}
		found = true
		fmt.Fprintf(&b, "%s\t%s\t%s\n", th.ID, th.Title, th.Status)
	}
	if !found {
		return "no sub-threads", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ArchiveThread archives one of callerThreadID's own children.
func (t *Tools) ArchiveThread(ctx context.Context, callerThreadID, targetThreadID string) (string, error) {
	if err := t.requireOwnChild(ctx, callerThreadID, targetThreadID); err != nil {
		return "", err
	}
	if err := t.Orchestrator.Archive(ctx, targetThreadID); err != nil {
		return "", err
	}
	return "archived", nil
}

// ReadThread returns the last limit messages (0 = all) from one of
// callerThreadID's own children, rendered as role-prefixed lines.
func (t *Tools) ReadThread(ctx context.Context, callerThreadID, targetThreadID string, limit int) (string, error) {
	if err := t.requireOwnChild(ctx, callerThreadID, targetThreadID); err != nil {
		return "", err
	}
	msgs, err := t.Store.GetMessagesPaginated(ctx, targetThreadID, limit, 0)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	if b.Len() == 0 {
		return "no messages", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// SendToThread sends message to one of callerThreadID's own children,
// fire-and-forget, subject to Orchestrator's rate limit.
func (t *Tools) SendToThread(ctx context.Context, callerThreadID, targetThreadID, message string) (string, error) {
	if err := t.Orchestrator.SendToThread(ctx, callerThreadID, targetThreadID, message); err != nil {
		return "", err
	}
	return "sent", nil
}

// SignalStatus reports a sub-thread's terminal status to its parent. The
// tool fails explicitly (via apperr.Validation from BroadcastStatusSignal)
// if callerThreadID has no parent to signal.
func (t *Tools) SignalStatus(ctx context.Context, callerThreadID, status, reason string) (string, error) {
	if status != "done" && status != "blocked" {
		return "", apperr.Validation("status must be \"done\" or \"blocked\", got %q", status)
	}
	if err := t.Orchestrator.BroadcastStatusSignal(ctx, callerThreadID, status, reason); err != nil {
		return "", err
	}
	return "signalled", nil
}

func (t *Tools) requireOwnChild(ctx context.Context, callerThreadID, targetThreadID string) error {
	target, err := t.Store.GetThread(ctx, targetThreadID)
	if err != nil {
		return err
	}
	if target.ParentID != callerThreadID {
		return apperr.Validation("thread %q may only act on its own children", callerThreadID)
	}
	return nil
}
