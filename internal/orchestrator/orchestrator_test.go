package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/agentdriver/fake"
	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/engine"
	"github.com/mainthread-dev/mainthread/internal/eventbus"
	"github.com/mainthread-dev/mainthread/internal/notify"
	"github.com/mainthread-dev/mainthread/internal/orchestrator"
	"github.com/mainthread-dev/mainthread/internal/rendezvous"
	"github.com/mainthread-dev/mainthread/internal/store"
	"github.com/mainthread-dev/mainthread/internal/taskregistry"
)

func newHarness(t *testing.T, driver agentdriver.Driver) (*orchestrator.Orchestrator, store.Store) {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New(st)
	tasks := taskregistry.New()
	eng := engine.New(st, bus, tasks, driver, engine.Config{
		MaxAgents: 5, AgentTimeout: 2 * time.Second, MaxRetries: 0, RetryDelay: time.Millisecond,
	}, nil)
	sched := notify.New(eng, nil)
	t.Cleanup(sched.Shutdown)
	rv := rendezvous.New()
	return orchestrator.New(st, bus, eng, tasks, rv, sched, nil), st
}

func TestOrchestrator_SendMessage_InlinesFileReference(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello from file"), 0o644))

	driver := fake.New(fake.Script{Events: []agentdriver.Event{{Kind: agentdriver.KindText, Content: "ack [DONE]"}}})
	o, st := newHarness(t, driver)

	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t", WorkDir: dir})
	require.NoError(t, err)

	err = o.SendMessage(context.Background(), orchestrator.SendMessageParams{
		ThreadID:       th.ID,
		Content:        "please review",
		FileReferences: []string{"notes.txt"},
	})
	require.NoError(t, err)

	msgs, err := st.GetMessagesPaginated(context.Background(), th.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "hello from file")
	assert.Contains(t, msgs[0].Content, "please review")
}

func TestOrchestrator_SendMessage_RejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	driver := fake.New(fake.Script{})
	o, st := newHarness(t, driver)

	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t", WorkDir: dir})
	require.NoError(t, err)

	err = o.SendMessage(context.Background(), orchestrator.SendMessageParams{
		ThreadID:       th.ID,
		Content:        "x",
		FileReferences: []string{"../../etc/passwd"},
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestOrchestrator_SpawnChild_InheritsParentConfig(t *testing.T) {
	driver := fake.New(fake.Script{})
	o, st := newHarness(t, driver)

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{
		Title: "parent", Model: "opus", PermissionMode: "plan", MaxDepth: 3,
	})
	require.NoError(t, err)

	child, err := o.SpawnChild(context.Background(), orchestrator.SpawnChildParams{
		ParentID: parent.ID,
		Title:    "child",
	})
	require.NoError(t, err)
	assert.Equal(t, "opus", child.Model)
	assert.Equal(t, "plan", child.PermissionMode)
	assert.Equal(t, parent.ID, child.ParentID)
}

func TestOrchestrator_SpawnChild_DerivesTitleFromInitialMessageAndDedupes(t *testing.T) {
	driver := fake.New(fake.Script{Events: []agentdriver.Event{{Kind: agentdriver.KindText, Content: "ok [DONE]"}}})
	o, st := newHarness(t, driver)

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent", MaxDepth: 1})
	require.NoError(t, err)

	c1, err := o.SpawnChild(context.Background(), orchestrator.SpawnChildParams{
		ParentID: parent.ID, InitialMessage: "investigate the flaky test\nwith more detail",
	})
	require.NoError(t, err)
	assert.Equal(t, "investigate the flaky test", c1.Title)

	c2, err := o.SpawnChild(context.Background(), orchestrator.SpawnChildParams{
		ParentID: parent.ID, InitialMessage: "investigate the flaky test",
	})
	require.NoError(t, err)
	assert.Equal(t, "investigate the flaky test (2)", c2.Title)
}

func TestOrchestrator_SpawnChild_DepthExceeded(t *testing.T) {
	driver := fake.New(fake.Script{})
	o, st := newHarness(t, driver)

	root, err := st.CreateThread(context.Background(), store.CreateThreadParams{
		Title: "root", MaxDepth: 1, AllowNestedSubthreads: false,
	})
	require.NoError(t, err)

	child, err := o.SpawnChild(context.Background(), orchestrator.SpawnChildParams{ParentID: root.ID, Title: "child"})
	require.NoError(t, err)

	_, err = o.SpawnChild(context.Background(), orchestrator.SpawnChildParams{ParentID: child.ID, Title: "grandchild"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDepthExceeded))
}

func TestOrchestrator_NotifyChildTerminal_EscalatesAndQueuesAutoReact(t *testing.T) {
	childDriver := fake.New(fake.Script{Events: []agentdriver.Event{{Kind: agentdriver.KindText, Content: "child work [DONE]"}}})
	o, st := newHarness(t, childDriver)

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent", AutoReact: true})
	require.NoError(t, err)
	child, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	require.NoError(t, o.Engine.RunTurn(context.Background(), engine.RunParams{
		ThreadID: child.ID, Prompt: "go", BroadcastStatus: true,
	}))

	require.Eventually(t, func() bool {
		msgs, err := st.GetMessagesPaginated(context.Background(), parent.ID, 0, 0)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Role == store.RoleUser && len(m.Content) > 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_SignalStatus_AvoidsDuplicateEscalation(t *testing.T) {
	driver := fake.New(fake.Script{Events: []agentdriver.Event{
		{Kind: agentdriver.KindToolUse, ToolUseID: "tu1", ToolName: "SignalStatus", ToolInput: map[string]any{"status": "done"}},
		{Kind: agentdriver.KindToolResult, ToolUseID: "tu1", ResultText: "ok"},
	}})
	o, st := newHarness(t, driver)

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent"})
	require.NoError(t, err)
	child, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	require.NoError(t, o.Engine.RunTurn(context.Background(), engine.RunParams{ThreadID: child.ID, Prompt: "go"}))

	updated, err := st.GetThread(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, updated.Status)
}

func TestOrchestrator_SendToThread_OnlyToOwnChildren(t *testing.T) {
	o, st := newHarness(t, fake.New(fake.Script{}))

	a, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "a"})
	require.NoError(t, err)
	b, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "b"})
	require.NoError(t, err)

	err = o.SendToThread(context.Background(), a.ID, b.ID, "hi")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestOrchestrator_SendToThread_RateLimited(t *testing.T) {
	o, st := newHarness(t, fake.New(fake.Script{Events: []agentdriver.Event{{Kind: agentdriver.KindText, Content: "ok [DONE]"}}}))

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent"})
	require.NoError(t, err)
	child, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, o.SendToThread(context.Background(), parent.ID, child.ID, "msg"))
	}
	err = o.SendToThread(context.Background(), parent.ID, child.ID, "one too many")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
}

func TestOrchestrator_Stop_CancelsRunningTurn(t *testing.T) {
	o, st := newHarness(t, fake.New(fake.Script{Block: true}))

	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- o.Engine.RunTurn(context.Background(), engine.RunParams{ThreadID: th.ID, Prompt: "go"})
	}()

	require.Eventually(t, func() bool {
		updated, err := st.GetThread(context.Background(), th.ID)
		return err == nil && updated.Status == store.StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Stop(context.Background(), th.ID))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindCancelled))
	case <-time.After(2 * time.Second):
		require.Fail(t, "stop did not cancel the running turn")
	}
}

func TestOrchestrator_Archive_CleansUpAndPreventsDoubleArchive(t *testing.T) {
	o, st := newHarness(t, fake.New(fake.Script{}))

	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, o.Archive(context.Background(), th.ID))

	updated, err := st.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.ArchivedAt)

	err = o.Archive(context.Background(), th.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, o.Unarchive(context.Background(), th.ID))
	updated, err = st.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.ArchivedAt)
}

func TestFirstLineTitle_StripsMarkdown(t *testing.T) {
	o, st := newHarness(t, fake.New(fake.Script{}))
	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent", MaxDepth: 1})
	require.NoError(t, err)

	child, err := o.SpawnChild(context.Background(), orchestrator.SpawnChildParams{
		ParentID:       parent.ID,
		InitialMessage: "## **Refactor** the [parser](pkg/parser)\n\nmore detail below",
	})
	require.NoError(t, err)
	assert.Equal(t, "Refactor the parser", child.Title)
}

// An initial message with no non-blank line yields no first-line title,
// so the derived title falls back to "subagent".
func TestFirstLineTitle_EmptyInput(t *testing.T) {
	o, st := newHarness(t, fake.New(fake.Script{}))
	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent", MaxDepth: 1})
	require.NoError(t, err)

	child, err := o.SpawnChild(context.Background(), orchestrator.SpawnChildParams{
		ParentID:       parent.ID,
		InitialMessage: "   \n  \n",
	})
	require.NoError(t, err)
	assert.Equal(t, "subagent", child.Title)
}

func TestOrchestrator_SpawnChild_DerivesTitleFromMessage(t *testing.T) {
	o, st := newHarness(t, fake.New(fake.Script{}))

	parent, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "parent", MaxDepth: 1})
	require.NoError(t, err)

	child, err := o.SpawnChild(context.Background(), orchestrator.SpawnChildParams{
		ParentID:       parent.ID,
		InitialMessage: "# Investigate the flaky test\nfull details",
	})
	require.NoError(t, err)
	assert.Equal(t, "Investigate the flaky test", child.Title)
}
