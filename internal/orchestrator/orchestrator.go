// Package orchestrator is the thread-level façade: sending a message,
// spawning a child thread, relaying a SignalStatus from a child, rate
// limiting cross-thread messages, and stopping or archiving a thread. It
// wires child-turn completion into the parent's NotificationScheduler
// queue, the other half of the parent-child protocol ExecutionEngine
// starts.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/engine"
	"github.com/mainthread-dev/mainthread/internal/eventbus"
	"github.com/mainthread-dev/mainthread/internal/gitinfo"
	"github.com/mainthread-dev/mainthread/internal/notify"
	"github.com/mainthread-dev/mainthread/internal/rendezvous"
	"github.com/mainthread-dev/mainthread/internal/store"
	"github.com/mainthread-dev/mainthread/internal/taskregistry"
	"github.com/mainthread-dev/mainthread/internal/validate"
)

var filePolicy = bluemonday.StrictPolicy()

// Orchestrator implements engine.ParentEscalator; New registers it with
// Engine.SetEscalator.
type Orchestrator struct {
	Store      store.Store
	Bus        *eventbus.Bus
	Engine     *engine.Engine
	Tasks      *taskregistry.Registry
	Rendezvous *rendezvous.Registry
	Notify     *notify.Scheduler
	Log        *slog.Logger

	rateMu sync.Mutex
	sends  map[string][]time.Time // per-source-thread SendToThread timestamps
}

// New wires an Orchestrator from its dependencies and registers it as
// eng's parent escalator.
func New(st store.Store, bus *eventbus.Bus, eng *engine.Engine, tasks *taskregistry.Registry, rv *rendezvous.Registry, sched *notify.Scheduler, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		Store:      st,
		Bus:        bus,
		Engine:     eng,
		Tasks:      tasks,
		Rendezvous: rv,
		Notify:     sched,
		Log:        log,
		sends:      make(map[string][]time.Time),
	}
	eng.SetEscalator(o)
	return o
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// SendMessageParams collects send_message's arguments.
type SendMessageParams struct {
	ThreadID       string
	Content        string
	Images         []agentdriver.Image
	FileReferences []string
}

// SendMessage inlines @file references, persists the user message, and
// starts a turn.
func (o *Orchestrator) SendMessage(ctx context.Context, p SendMessageParams) error {
	if err := validate.Content(p.Content); err != nil {
		return err
	}
	if err := validate.ImageCount(len(p.Images)); err != nil {
		return err
	}
	if err := validate.FileReferenceCount(len(p.FileReferences)); err != nil {
		return err
	}

	th, err := o.Store.GetThread(ctx, p.ThreadID)
	if err != nil {
		return err
	}

	content := p.Content
	if len(p.FileReferences) > 0 {
		inlined, err := o.inlineFileReferences(th.WorkDir, p.FileReferences)
		if err != nil {
			return err
		}
		content = inlined + content
	}

	if _, err := o.Store.AddMessage(ctx, store.AddMessageParams{
		ThreadID: p.ThreadID,
		Role:     store.RoleUser,
		Content:  content,
	}); err != nil {
		return err
	}
	if err := o.Store.UpdateThreadStatus(ctx, p.ThreadID, store.StatusPending); err != nil {
		return err
	}

	return o.Engine.RunTurn(ctx, engine.RunParams{
		ThreadID:           p.ThreadID,
		Prompt:             content,
		Images:             p.Images,
		BroadcastStatus:    true,
		SkipAddUserMessage: true, // already persisted above, with inlined content
	})
}

// inlineFileReferences reads each @file reference relative to workDir,
// sandboxing against traversal, and wraps it in a file-block marker. The
// combined inlined text is capped at MaxInlinedFileChat characters.
func (o *Orchestrator) inlineFileReferences(workDir string, refs []string) (string, error) {
	var b strings.Builder
	budget := validate.MaxInlinedFileChat
	for _, ref := range refs {
		resolved := validate.SandboxPath(workDir, ref)
		if resolved == "" {
			return "", apperr.Validation("file reference %q escapes the thread's working directory", ref)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", apperr.Validation("file reference %q could not be read: %v", ref, err)
		}
		text := filePolicy.Sanitize(string(data))
		block := fmt.Sprintf("--- file: %s ---\n%s\n--- end file ---\n\n", ref, text)
		if len(block) > budget {
			block = block[:budget]
		}
		b.WriteString(block)
		budget -= len(block)
		if budget <= 0 {
			break
		}
	}
	return b.String(), nil
}

// SpawnChildParams collects spawn_child's arguments.
type SpawnChildParams struct {
	ParentID         string
	Title            string
	WorkDir          string
	InitialMessage   string
	Model            string
	PermissionMode   string
	ExtendedThinking *bool
	UseWorktree      bool
}

// SpawnChild creates a child thread, optionally isolated in a git
// worktree, and — if given an initial message — backgrounds its first
// turn.
func (o *Orchestrator) SpawnChild(ctx context.Context, p SpawnChildParams) (*store.Thread, error) {
	parent, err := o.Store.GetThread(ctx, p.ParentID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(p.Title) == "" {
		p.Title, err = o.deriveChildTitle(ctx, p.ParentID, p.InitialMessage)
		if err != nil {
			return nil, err
		}
	}
	if err := validate.Title(p.Title); err != nil {
		return nil, err
	}
	depth, err := o.Store.ThreadDepth(ctx, p.ParentID)
	if err != nil {
		return nil, err
	}
	if depth >= parent.MaxDepth || (depth > 0 && !parent.AllowNestedSubthreads) {
		return nil, apperr.New(apperr.KindDepthExceeded, "thread %q may not spawn further children (depth %d, max %d, nested=%v)", p.ParentID, depth, parent.MaxDepth, parent.AllowNestedSubthreads)
	}

	workDir := p.WorkDir
	if workDir != "" {
		if cleaned := validate.WorkDir(workDir, os.Getenv("HOME")); cleaned != "" {
			workDir = cleaned
		}
	}
	if workDir == "" {
		workDir = parent.WorkDir
	}
	model := p.Model
	if model == "" {
		model = parent.Model
	}
	permMode := p.PermissionMode
	if permMode == "" {
		permMode = parent.PermissionMode
	}
	extThinking := parent.ExtendedThinking
	if p.ExtendedThinking != nil {
		extThinking = *p.ExtendedThinking
	}

	git := o.maybeCreateWorktree(ctx, p, workDir, &workDir)

	child, err := o.Store.CreateThread(ctx, store.CreateThreadParams{
		Title:            p.Title,
		ParentID:         p.ParentID,
		WorkDir:          workDir,
		Model:            model,
		PermissionMode:   permMode,
		ExtendedThinking: extThinking,
		Git:              git,
		MaxDepth:         parent.MaxDepth,
	})
	if err != nil {
		return nil, err
	}

	if p.InitialMessage != "" {
		if _, err := o.Store.AddMessage(ctx, store.AddMessageParams{
			ThreadID: child.ID,
			Role:     store.RoleUser,
			Content:  p.InitialMessage,
		}); err != nil {
			return nil, err
		}
	}

	_, _ = o.Bus.Publish(ctx, p.ParentID, "thread_created", mustJSON(map[string]string{
		"thread_id": child.ID, "title": child.Title,
	}))

	if p.InitialMessage != "" {
		go func() {
			runCtx := context.Background()
			if err := o.Engine.RunTurn(runCtx, engine.RunParams{
				ThreadID:           child.ID,
				Prompt:             p.InitialMessage,
				BroadcastStatus:    true,
				SkipAddUserMessage: true,
			}); err != nil {
				o.Log.Warn("initial turn for spawned child failed", "child", child.ID, "err", err)
			}
		}()
	}

	return child, nil
}

// deriveChildTitle builds a title from the initiating message when the
// caller didn't supply one, de-duplicating against the parent's existing
// children by appending " (2)", " (3)", ... on collision.
func (o *Orchestrator) deriveChildTitle(ctx context.Context, parentID, initialMessage string) (string, error) {
	base := firstLineTitle(initialMessage)
	if base == "" {
		base = "subagent"
	}
	const maxBase = 60
	if len(base) > maxBase {
		base = strings.TrimSpace(base[:maxBase])
	}

	siblings, err := o.Store.ListThreads(ctx, true)
	if err != nil {
		return "", err
	}
	existing := make(map[string]bool)
	for _, s := range siblings {
		if s.ParentID == parentID {
			existing[s.Title] = true
		}
	}

	title := base
	for i := 2; existing[title]; i++ {
		title = fmt.Sprintf("%s (%d)", base, i)
	}
	return title, nil
}

var (
	titleHeading       = regexp.MustCompile(`^#{1,6}\s+`)
	titleBold          = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	titleItalic        = regexp.MustCompile(`\*(.+?)\*|_(.+?)_`)
	titleStrikethrough = regexp.MustCompile(`~~(.+?)~~`)
	titleInlineCode    = regexp.MustCompile("`(.+?)`")
	titleImageLink     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	titleLink          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

// firstLineTitle takes the first non-empty line of a markdown-formatted
// message and strips heading markers, emphasis, and links so it reads
// like a plain title instead of raw markdown.
func firstLineTitle(content string) string {
	var line string
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			line = l
			break
		}
	}
	if line == "" {
		return ""
	}

	line = titleHeading.ReplaceAllString(line, "")
	line = titleBold.ReplaceAllString(line, "${1}${2}")
	line = titleItalic.ReplaceAllString(line, "${1}${2}")
	line = titleStrikethrough.ReplaceAllString(line, "${1}")
	line = titleInlineCode.ReplaceAllString(line, "${1}")
	line = titleImageLink.ReplaceAllString(line, "${1}")
	line = titleLink.ReplaceAllString(line, "${1}")
	line = filePolicy.Sanitize(line)

	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(line))
}

// maybeCreateWorktree attempts worktree isolation for a new child thread,
// falling back to the parent's work_dir (via *workDir, left unmodified)
// on any failure.
func (o *Orchestrator) maybeCreateWorktree(ctx context.Context, p SpawnChildParams, baseWorkDir string, workDir *string) store.GitMeta {
	if !p.UseWorktree || baseWorkDir == "" {
		return store.GitMeta{}
	}
	meta, err := gitinfo.Detect(baseWorkDir)
	if err != nil || meta.Branch == "" || meta.IsWorktree {
		return store.GitMeta{} // not a repo, or already inside a worktree
	}

	repoRoot := baseWorkDir
	idPrefix := fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000)
	branch := "mainthread/" + idPrefix
	worktreeRoot := filepath.Join(repoRoot, ".mainthread", "worktrees")
	target := filepath.Join(worktreeRoot, idPrefix)
	for i := 2; i <= 9 && pathUnderExists(target); i++ {
		target = filepath.Join(worktreeRoot, idPrefix+"-"+strconv.Itoa(i))
	}

	if err := gitinfo.CreateWorktree(repoRoot, target, branch, "HEAD"); err != nil {
		o.Log.Warn("worktree creation failed, falling back to parent work_dir", "err", err)
		return store.GitMeta{}
	}
	*workDir = target
	return store.GitMeta{Branch: branch, Repo: meta.Repo, IsWorktree: true, WorktreeBranch: branch}
}

func pathUnderExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// NotifyChildTerminal implements engine.ParentEscalator for normal
// completion. It skips the subthread_status broadcast when the child
// already published one via SignalStatus.
func (o *Orchestrator) NotifyChildTerminal(ctx context.Context, child *store.Thread, status string, signalled bool) {
	if !signalled {
		_, _ = o.Bus.Publish(ctx, child.ParentID, "subthread_status", mustJSON(map[string]string{
			"thread_id": child.ID, "title": child.Title, "status": status,
		}))
	}
	verb := "completed"
	if status == store.StatusNeedsAttention {
		verb = "needs attention"
	}
	o.notifyParent(ctx, child, fmt.Sprintf("[notification] Sub-thread %q %s.", child.Title, verb))
}

// NotifyChildError implements engine.ParentEscalator for timeout/crash
// exhaustion.
func (o *Orchestrator) NotifyChildError(ctx context.Context, child *store.Thread, errMsg string) {
	_, _ = o.Bus.Publish(ctx, child.ParentID, "subthread_status", mustJSON(map[string]string{
		"thread_id": child.ID, "title": child.Title, "status": store.StatusNeedsAttention,
	}))
	o.notifyParent(ctx, child, fmt.Sprintf("[notification] Sub-thread %q encountered an error: %s.", child.Title, errMsg))
}

func (o *Orchestrator) notifyParent(ctx context.Context, child *store.Thread, notice string) {
	if child.ParentID == "" {
		return
	}
	parent, err := o.Store.GetThread(ctx, child.ParentID)
	if err != nil {
		o.Log.Warn("notify parent: parent thread missing", "parent", child.ParentID, "child", child.ID, "err", err)
		return
	}
	if _, err := o.Store.AddMessage(ctx, store.AddMessageParams{
		ThreadID: parent.ID,
		Role:     store.RoleUser,
		Content:  notice,
	}); err != nil {
		o.Log.Warn("persist parent notification", "parent", parent.ID, "err", err)
		return
	}
	_, _ = o.Bus.Publish(ctx, parent.ID, "message", mustJSON(map[string]string{"content": notice, "role": store.RoleUser}))

	if parent.AutoReact {
		o.Notify.Enqueue(parent.ID)
	}
}

// BroadcastStatusSignal implements the SignalStatus tool body: updates
// the child's status and publishes subthread_status on the parent. Fails
// explicitly if child has no parent to broadcast to.
func (o *Orchestrator) BroadcastStatusSignal(ctx context.Context, childID, status, reason string) error {
	child, err := o.Store.GetThread(ctx, childID)
	if err != nil {
		return err
	}
	if child.ParentID == "" {
		return apperr.Validation("thread %q has no parent to signal status to", childID)
	}
	newStatus := store.StatusDone
	if status == "blocked" {
		newStatus = store.StatusNeedsAttention
	}
	if err := o.Store.UpdateThreadStatus(ctx, childID, newStatus); err != nil {
		return err
	}
	_, _ = o.Bus.Publish(ctx, child.ParentID, "subthread_status", mustJSON(map[string]string{
		"thread_id": childID, "title": child.Title, "status": newStatus, "reason": reason,
	}))
	return nil
}

const (
	sendToThreadLimit  = 5
	sendToThreadWindow = 60 * time.Second
)

// SendToThread enqueues message onto one of sourceThreadID's own
// children, fire-and-forget, subject to a 5-per-60s rolling rate limit
// per source thread.
func (o *Orchestrator) SendToThread(ctx context.Context, sourceThreadID, targetThreadID, message string) error {
	target, err := o.Store.GetThread(ctx, targetThreadID)
	if err != nil {
		return err
	}
	if target.ParentID != sourceThreadID {
		return apperr.Validation("thread %q may only message its own children", sourceThreadID)
	}
	if target.ArchivedAt != nil {
		return apperr.Validation("thread %q is archived", targetThreadID)
	}
	if !o.allowSend(sourceThreadID) {
		return apperr.RateLimited("thread %q has exceeded %d messages per %s", sourceThreadID, sendToThreadLimit, sendToThreadWindow)
	}

	go func() {
		runCtx := context.Background()
		if err := o.SendMessage(runCtx, SendMessageParams{ThreadID: targetThreadID, Content: message}); err != nil {
			o.Log.Warn("send_to_thread delivery failed", "source", sourceThreadID, "target", targetThreadID, "err", err)
		}
	}()
	return nil
}

// allowSend enforces the rolling-window rate limit using an ordered ring
// of timestamps per source thread.
func (o *Orchestrator) allowSend(sourceThreadID string) bool {
	o.rateMu.Lock()
	defer o.rateMu.Unlock()
	now := time.Now()
	cutoff := now.Add(-sendToThreadWindow)
	times := o.sends[sourceThreadID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= sendToThreadLimit {
		o.sends[sourceThreadID] = kept
		return false
	}
	o.sends[sourceThreadID] = append(kept, now)
	return true
}

// Stop cancels the thread's running turn, if any. The engine's
// cancellation path handles persisting state and publishing "stopped".
func (o *Orchestrator) Stop(ctx context.Context, threadID string) error {
	if _, err := o.Store.GetThread(ctx, threadID); err != nil {
		return err
	}
	o.Tasks.Cancel(threadID)
	return nil
}

// Archive removes the worktree, clears the pending prompt, cancels the
// running task and clears the event log, then marks threadID archived,
// publishes thread_archived and closes its subscribers. The thread's
// notification worker is not stopped; notification turns queued for it
// are skipped once it is archived.
func (o *Orchestrator) Archive(ctx context.Context, threadID string) error {
	th, err := o.Store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if th.ArchivedAt != nil {
		return apperr.Validation("thread %q is already archived", threadID)
	}

	if th.Git.IsWorktree && th.WorkDir != "" {
		// th.WorkDir is repoRoot/.mainthread/worktrees/<id>; walk up three
		// levels to recover repoRoot.
		repoRoot := filepath.Dir(filepath.Dir(filepath.Dir(th.WorkDir)))
		if err := gitinfo.RemoveWorktree(repoRoot, th.WorkDir); err != nil {
			o.Log.Warn("archive: worktree cleanup failed", "thread", threadID, "err", err)
		}
	}

	o.Rendezvous.Clear(threadID)
	o.Tasks.Cancel(threadID)
	if err := o.Store.ClearThreadEvents(ctx, threadID); err != nil {
		return err
	}
	if err := o.Store.ArchiveThread(ctx, threadID); err != nil {
		return err
	}
	_, _ = o.Bus.Publish(ctx, threadID, "thread_archived", mustJSON(map[string]any{}))
	o.Bus.CloseThread(threadID)
	return nil
}

// Unarchive restores an archived thread to active use.
func (o *Orchestrator) Unarchive(ctx context.Context, threadID string) error {
	return o.Store.UnarchiveThread(ctx, threadID)
}
