package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/agentdriver/fake"
	"github.com/mainthread-dev/mainthread/internal/app"
	"github.com/mainthread-dev/mainthread/internal/config"
	"github.com/mainthread-dev/mainthread/internal/orchestrator"
	"github.com/mainthread-dev/mainthread/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load([]string{"-data-dir", t.TempDir()})
	require.NoError(t, err)
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.HousekeepInterval = 10 * time.Millisecond
	cfg.AgentTimeout = 50 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestApp_WiresEngineAndOrchestratorTogether(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewMemory()
	driver := fake.New(fake.Script{Events: []agentdriver.Event{{Kind: agentdriver.KindText, Content: "ok [DONE]"}}})
	a := app.New(cfg, st, driver, nil)

	require.NoError(t, a.Start(context.Background()))
	defer a.Shutdown()

	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, a.Orchestrator.SendMessage(context.Background(), orchestrator.SendMessageParams{
		ThreadID: th.ID, Content: "hi",
	}))

	updated, err := st.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, updated.Status)
}

func TestApp_StartResetsStalePending(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewMemory()
	th, err := st.CreateThread(context.Background(), store.CreateThreadParams{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateThreadStatus(context.Background(), th.ID, store.StatusPending))

	driver := fake.New(fake.Script{})
	a := app.New(cfg, st, driver, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Shutdown()

	updated, err := st.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, updated.Status)
}

func TestApp_ShutdownIsIdempotentAndStopsBackgroundLoops(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewMemory()
	driver := fake.New(fake.Script{})
	a := app.New(cfg, st, driver, nil)
	require.NoError(t, a.Start(context.Background()))

	a.Shutdown()
	assert.NotPanics(t, a.Shutdown)
}
