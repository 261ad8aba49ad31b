// Package engine runs one agent turn end to end: admission, timeout,
// retry-with-resume, incremental persistence of partial output, and
// final-status classification.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/eventbus"
	"github.com/mainthread-dev/mainthread/internal/metrics"
	"github.com/mainthread-dev/mainthread/internal/store"
	"github.com/mainthread-dev/mainthread/internal/taskregistry"
)

// Config bounds admission, timeout, and retry behaviour.
type Config struct {
	MaxAgents    int
	AgentTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgents:    10,
		AgentTimeout: 1800 * time.Second,
		MaxRetries:   2,
		RetryDelay:   3 * time.Second,
	}
}

// ParentEscalator lets the engine hand off parent-notification duties
// without importing the orchestrator package. The Orchestrator satisfies
// this interface and is wired in after construction.
type ParentEscalator interface {
	// NotifyChildTerminal fires when a child thread's turn ends
	// normally. signalled is true if the child already published its
	// own subthread_status via SignalStatus, in which case the
	// implementation must not publish a second one.
	NotifyChildTerminal(ctx context.Context, child *store.Thread, status string, signalled bool)
	// NotifyChildError fires when a child thread's turn ends via
	// timeout or retry exhaustion.
	NotifyChildError(ctx context.Context, child *store.Thread, errMsg string)
}

// Engine runs turns for threads against a Driver, persisting through
// Store and broadcasting through Bus.
type Engine struct {
	Store  store.Store
	Bus    *eventbus.Bus
	Tasks  *taskregistry.Registry
	Driver agentdriver.Driver
	Cfg    Config
	Log    *slog.Logger

	Escalator ParentEscalator

	// Cache, if set, resolves a per-(work_dir, model) driver instead of
	// always using Driver directly, avoiding reconnect overhead across
	// turns on the same thread.
	Cache *agentdriver.ClientCache

	sem chan struct{}
}

// driverFor resolves the driver a turn should use: the cache's handle for
// this thread's (work dir, model) pair if a cache is configured, else the
// Engine's single shared Driver.
func (e *Engine) driverFor(workDir, model string) agentdriver.Driver {
	if e.Cache != nil {
		return e.Cache.Get(workDir, model)
	}
	return e.Driver
}

// New constructs an Engine. SetEscalator must be called before the first
// RunTurn that involves a child thread.
func New(st store.Store, bus *eventbus.Bus, tasks *taskregistry.Registry, driver agentdriver.Driver, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Store:  st,
		Bus:    bus,
		Tasks:  tasks,
		Driver: driver,
		Cfg:    cfg,
		Log:    log,
		sem:    make(chan struct{}, cfg.MaxAgents),
	}
}

// SetEscalator wires the parent-notification callback post-construction,
// breaking the Engine/Orchestrator construction cycle.
func (e *Engine) SetEscalator(esc ParentEscalator) { e.Escalator = esc }

// RunParams configures one call to RunTurn.
type RunParams struct {
	ThreadID           string
	Prompt             string
	Images             []agentdriver.Image
	BroadcastStatus    bool
	SkipAddUserMessage bool
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// RunTurn executes one agent invocation for a thread, including
// admission, streaming, retry-with-resume, and final status
// classification. It returns a non-nil error only for conditions the
// caller must react to (not-found, cancelled, timeout, driver-crash, and
// store failures while persisting messages or status); all others are
// reflected purely through events and thread status.
func (e *Engine) RunTurn(ctx context.Context, p RunParams) error {
	th, err := e.Store.GetThread(ctx, p.ThreadID)
	if err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	_, release := e.Tasks.Register(p.ThreadID, cancel)
	defer release()
	defer cancel()

	if !p.SkipAddUserMessage && p.Prompt != "" {
		if _, err := e.Store.AddMessage(ctx, store.AddMessageParams{
			ThreadID: p.ThreadID,
			Role:     store.RoleUser,
			Content:  p.Prompt,
		}); err != nil {
			return err
		}
	}

	assistantMsg, err := e.Store.AddMessage(ctx, store.AddMessageParams{
		ThreadID: p.ThreadID,
		Role:     store.RoleAssistant,
		Content:  "",
	})
	if err != nil {
		return err
	}

	if err := e.acquireAdmission(turnCtx, p.ThreadID); err != nil {
		return err
	}
	defer func() { <-e.sem }()

	if p.BroadcastStatus {
		_, _ = e.Bus.Publish(ctx, p.ThreadID, "status_change", mustJSON(map[string]string{"status": store.StatusRunning}))
	}
	if err := e.Store.UpdateThreadStatus(ctx, p.ThreadID, store.StatusRunning); err != nil {
		return err
	}
	metrics.TurnsRunning.Inc()
	defer metrics.TurnsRunning.Dec()

	ms := &MessageStream{}
	prompt := p.Prompt
	images := p.Images
	sessionToken := th.SessionToken
	bo := backoff.NewConstantBackOff(e.Cfg.RetryDelay)

	for attempt := 0; attempt <= e.Cfg.MaxRetries; attempt++ {
		outcome, attemptErr := e.attempt(turnCtx, th, ms, assistantMsg.ID, prompt, images, sessionToken)
		switch outcome {
		case outcomeComplete:
			return e.finishSuccess(ctx, th, ms, assistantMsg.ID)
		case outcomeCancelled:
			metrics.TurnsTotal.WithLabelValues("cancelled").Inc()
			if err := e.Store.UpdateThreadStatus(ctx, p.ThreadID, store.StatusActive); err != nil {
				e.Log.Error("update status after cancel", "thread", p.ThreadID, "err", err)
			}
			_, _ = e.Bus.Publish(ctx, p.ThreadID, "stopped", mustJSON(map[string]any{}))
			return apperr.Cancelled("turn on thread %q cancelled", p.ThreadID)
		case outcomeTimeout:
			metrics.TurnsTotal.WithLabelValues("timeout").Inc()
			return e.escalate(ctx, th, "Process appears to have stopped responding (timeout); you can retry.", true, apperr.KindTimeout)
		case outcomeError:
			if sessionToken == "" {
				sessionToken = ms.SessionToken
			}
			if err := e.Store.UpdateThreadStatus(ctx, p.ThreadID, store.StatusRunning); err != nil {
				e.Log.Warn("touch thread after driver error", "thread", p.ThreadID, "err", err)
			}
			if attempt < e.Cfg.MaxRetries {
				metrics.TurnRetries.Inc()
				delay := bo.NextBackOff()
				select {
				case <-time.After(delay):
				case <-turnCtx.Done():
					return apperr.Cancelled("turn on thread %q cancelled during retry backoff", p.ThreadID)
				}
				if _, err := e.Store.AddMessage(ctx, store.AddMessageParams{
					ThreadID: p.ThreadID,
					Role:     store.RoleSystem,
					Content:  fmt.Sprintf("Automatically retrying with session resumption (attempt %d)", attempt+2),
				}); err != nil {
					e.Log.Warn("persist retry notice", "thread", p.ThreadID, "err", err)
				}
				prompt = "Your previous execution was interrupted. Please continue where you left off and complete the task."
				images = nil
				continue
			}
			errMsg := "driver error"
			if attemptErr != nil {
				errMsg = attemptErr.Error()
			}
			return e.escalate(ctx, th, errMsg, true, apperr.KindDriverCrash)
		}
	}
	return nil
}

type attemptOutcome int

const (
	outcomeComplete attemptOutcome = iota
	outcomeCancelled
	outcomeTimeout
	outcomeError
)

func (e *Engine) acquireAdmission(ctx context.Context, threadID string) error {
	_, _ = e.Bus.Publish(ctx, threadID, "queue_waiting", mustJSON(map[string]string{"message": "waiting for an available agent slot"}))
	metrics.AdmissionQueueDepth.Inc()
	defer metrics.AdmissionQueueDepth.Dec()
	select {
	case e.sem <- struct{}{}:
		_, _ = e.Bus.Publish(ctx, threadID, "queue_acquired", mustJSON(map[string]any{}))
		return nil
	case <-ctx.Done():
		return apperr.Cancelled("admission wait cancelled for thread %q", threadID)
	}
}

func (e *Engine) attempt(ctx context.Context, th *store.Thread, ms *MessageStream, assistantMsgID, prompt string, images []agentdriver.Image, sessionToken string) (attemptOutcome, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.Cfg.AgentTimeout)
	defer cancel()

	stream, err := e.driverFor(th.WorkDir, th.Model).Run(timeoutCtx, agentdriver.Input{
		ThreadID:         th.ID,
		Prompt:           prompt,
		Images:           images,
		SessionToken:     sessionToken,
		WorkDir:          th.WorkDir,
		Model:            th.Model,
		PermissionMode:   th.PermissionMode,
		ExtendedThinking: th.ExtendedThinking,
	})
	if err != nil {
		return outcomeError, err
	}
	defer stream.Close()

	for {
		ev, ok, err := stream.Next(timeoutCtx)
		if !ok {
			if err != nil {
				if ctx.Err() != nil {
					return outcomeCancelled, err
				}
				if timeoutCtx.Err() != nil {
					return outcomeTimeout, err
				}
				return outcomeError, err
			}
			for _, id := range ms.Finalize() {
				_, _ = e.Bus.Publish(ctx, th.ID, "tool_result", mustJSON(map[string]any{"tool_use_id": id}))
			}
			e.persistAggregate(ctx, th.ID, assistantMsgID, ms)
			return outcomeComplete, nil
		}
		e.applyEvent(ctx, th, ms, ev)
		e.persistAggregate(ctx, th.ID, assistantMsgID, ms)
	}
}

func (e *Engine) persistAggregate(ctx context.Context, threadID, msgID string, ms *MessageStream) {
	blocks := mustJSON(ms.Blocks)
	if err := e.Store.UpdateMessage(ctx, msgID, ms.Text(), blocks); err != nil {
		e.Log.Warn("persist aggregate message", "thread", threadID, "err", err)
	}
}

func (e *Engine) applyEvent(ctx context.Context, th *store.Thread, ms *MessageStream, ev agentdriver.Event) {
	switch ev.Kind {
	case agentdriver.KindText:
		ms.ApplyText(ev.Content)
		_, _ = e.Bus.Publish(ctx, th.ID, "text_delta", mustJSON(map[string]string{"content": ev.Content}))
	case agentdriver.KindThinking:
		ms.ApplyThinking(ev.Content, ev.Signature)
		_, _ = e.Bus.Publish(ctx, th.ID, "thinking", mustJSON(map[string]string{"content": ev.Content, "signature": ev.Signature}))
	case agentdriver.KindToolUse:
		isSubagent := ms.ApplyToolUse(ev.ToolUseID, ev.ToolName, ev.ToolInput)
		_, _ = e.Bus.Publish(ctx, th.ID, "tool_use", mustJSON(map[string]any{"id": ev.ToolUseID, "name": ev.ToolName, "input": ev.ToolInput}))
		if isSubagent {
			e.spawnSubagentThread(ctx, th, ev)
		}
	case agentdriver.KindToolInput:
		ms.ApplyToolInput(ev.ToolUseID, ev.ToolInput)
		_, _ = e.Bus.Publish(ctx, th.ID, "tool_input", mustJSON(map[string]any{"id": ev.ToolUseID, "input": ev.ToolInput}))
	case agentdriver.KindToolResult:
		closedID, spawnedThreadID := ms.ApplyToolResult(ev.ToolUseID, ev.IsError, ev.ResultText)
		payload := map[string]any{"tool_use_id": closedID, "is_error": ev.IsError, "content": ev.ResultText}
		if spawnedThreadID != "" {
			payload["thread_id"] = spawnedThreadID
		}
		_, _ = e.Bus.Publish(ctx, th.ID, "tool_result", mustJSON(payload))
	case agentdriver.KindError:
		_, _ = e.Bus.Publish(ctx, th.ID, "error", mustJSON(map[string]string{"error": ev.ErrorMessage}))
	case agentdriver.KindUsage:
		if err := e.Store.UpdateThreadUsage(ctx, th.ID, ev.InputTokens, ev.OutputTokens, ev.CostUSD); err != nil {
			e.Log.Warn("update thread usage", "thread", th.ID, "err", err)
		}
		_, _ = e.Bus.Publish(ctx, th.ID, "usage", mustJSON(map[string]any{
			"input_tokens": ev.InputTokens, "output_tokens": ev.OutputTokens, "cost_usd": ev.CostUSD,
		}))
	case agentdriver.KindStatus:
		ms.FinalStatus = ev.Status
		if ev.SessionToken != "" {
			ms.SessionToken = ev.SessionToken
		}
	}
}

// spawnSubagentThread materialises the ephemeral thread record for a
// Task tool call, deriving the title from the tool input's description.
func (e *Engine) spawnSubagentThread(ctx context.Context, parent *store.Thread, ev agentdriver.Event) {
	title := "subagent"
	if m, ok := ev.ToolInput.(map[string]any); ok {
		if d, ok := m["description"].(string); ok && d != "" {
			title = d
		}
	}
	if len(title) > 60 {
		title = title[:60]
	}
	child, err := e.Store.CreateThread(ctx, store.CreateThreadParams{
		ID:        ev.ToolUseID,
		Title:     title,
		ParentID:  parent.ID,
		WorkDir:   parent.WorkDir,
		Model:     parent.Model,
		Ephemeral: true,
	})
	if err != nil {
		e.Log.Warn("create ephemeral subagent thread", "parent", parent.ID, "err", err)
		return
	}
	_, _ = e.Bus.Publish(ctx, parent.ID, "subagent_start", mustJSON(map[string]string{
		"thread_id": child.ID, "title": title, "subagent_type": ev.ToolName,
	}))
}

func (e *Engine) finishSuccess(ctx context.Context, th *store.Thread, ms *MessageStream, assistantMsgID string) error {
	status, signalled := classifyStatus(ms.Blocks, ms.Text())
	hasParent := th.ParentID != ""
	if hasParent && status == store.StatusActive {
		status = store.StatusDone
	}

	if err := e.Store.UpdateThreadStatus(ctx, th.ID, status); err != nil {
		return err
	}
	if ms.SessionToken != "" {
		if err := e.Store.UpdateThreadSession(ctx, th.ID, ms.SessionToken); err != nil {
			e.Log.Warn("persist session token", "thread", th.ID, "err", err)
		}
	}

	_, _ = e.Bus.Publish(ctx, th.ID, "complete", mustJSON(map[string]any{
		"assistant_message": ms.Text(), "status": status,
	}))
	metrics.TurnsTotal.WithLabelValues("done").Inc()

	if hasParent && e.Escalator != nil {
		updated, err := e.Store.GetThread(ctx, th.ID)
		if err == nil {
			e.Escalator.NotifyChildTerminal(ctx, updated, status, signalled)
		}
	}
	return nil
}

func (e *Engine) escalate(ctx context.Context, th *store.Thread, message string, setNeedsAttention bool, kind apperr.Kind) error {
	if setNeedsAttention {
		if err := e.Store.UpdateThreadStatus(ctx, th.ID, store.StatusNeedsAttention); err != nil {
			e.Log.Warn("set needs-attention", "thread", th.ID, "err", err)
		}
	}
	_, _ = e.Bus.Publish(ctx, th.ID, "error", mustJSON(map[string]string{"error": message}))
	_, _ = e.Bus.Publish(ctx, th.ID, "status_change", mustJSON(map[string]string{"status": store.StatusNeedsAttention}))
	metrics.TurnsTotal.WithLabelValues("needs_attention").Inc()

	if th.ParentID != "" && e.Escalator != nil {
		updated, err := e.Store.GetThread(ctx, th.ID)
		if err == nil {
			e.Escalator.NotifyChildError(ctx, updated, message)
		}
	}
	return apperr.New(kind, "%s", message)
}
