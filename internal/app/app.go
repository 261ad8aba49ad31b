// Package app wires the control plane's components together through
// explicit dependency injection instead of global singletons: Store,
// EventBus, Rendezvous, TaskRegistry, NotificationScheduler, Watchdog,
// Housekeeper, and Orchestrator all get constructed once, here, and
// handed to whatever owns the process (cmd/mainthread, or a test).
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/agenttools"
	"github.com/mainthread-dev/mainthread/internal/config"
	"github.com/mainthread-dev/mainthread/internal/engine"
	"github.com/mainthread-dev/mainthread/internal/eventbus"
	"github.com/mainthread-dev/mainthread/internal/housekeeper"
	"github.com/mainthread-dev/mainthread/internal/notify"
	"github.com/mainthread-dev/mainthread/internal/orchestrator"
	"github.com/mainthread-dev/mainthread/internal/rendezvous"
	"github.com/mainthread-dev/mainthread/internal/store"
	"github.com/mainthread-dev/mainthread/internal/taskregistry"
	"github.com/mainthread-dev/mainthread/internal/watchdog"
)

// App owns every long-lived component of the control plane.
type App struct {
	Cfg *config.Config
	Log *slog.Logger

	Store        store.Store
	Bus          *eventbus.Bus
	Rendezvous   *rendezvous.Registry
	Tasks        *taskregistry.Registry
	Engine       *engine.Engine
	Orchestrator *orchestrator.Orchestrator
	Tools        *agenttools.Tools
	Notify       *notify.Scheduler
	Watchdog     *watchdog.Watchdog
	Housekeeper  *housekeeper.Housekeeper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a full App from cfg and driver. Two-phase construction
// resolves the Engine<->Orchestrator cycle: the Engine is built first,
// then the Orchestrator, then orchestrator.New calls SetEscalator to
// link them.
func New(cfg *config.Config, st store.Store, driver agentdriver.Driver, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}

	bus := eventbus.New(st)
	tasks := taskregistry.New()
	rv := rendezvous.New()

	engCfg := engine.Config{
		MaxAgents:    cfg.MaxAgents,
		AgentTimeout: cfg.AgentTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
	}
	eng := engine.New(st, bus, tasks, driver, engCfg, log)

	if cfg.CacheEnabled {
		eng.Cache = agentdriver.NewClientCache(func(workDir, model string) agentdriver.Driver {
			return driver
		}, cfg.CacheMaxClients, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	}

	sched := notify.New(eng, log)
	o := orchestrator.New(st, bus, eng, tasks, rv, sched, log)
	tools := agenttools.New(o)

	wd := watchdog.New(st, bus, o, cfg.AgentTimeout, log).WithInterval(cfg.WatchdogInterval)
	hk := housekeeper.New(st, log)
	hk.Retention = cfg.RetentionWindow
	hk = hk.WithInterval(cfg.HousekeepInterval)

	return &App{
		Cfg: cfg, Log: log,
		Store: st, Bus: bus, Rendezvous: rv, Tasks: tasks,
		Engine: eng, Orchestrator: o, Tools: tools, Notify: sched,
		Watchdog: wd, Housekeeper: hk,
	}
}

// Start resets any thread left mid-admission by a prior crashed process,
// then launches the EventBus heartbeat, Watchdog, and Housekeeper loops.
func (a *App) Start(ctx context.Context) error {
	if err := a.Store.ResetStalePending(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(3)
	go func() { defer a.wg.Done(); a.Bus.Run(runCtx) }()
	go func() { defer a.wg.Done(); a.Watchdog.Run(runCtx) }()
	go func() { defer a.wg.Done(); a.Housekeeper.Run(runCtx) }()

	return nil
}

// Shutdown stops every background loop in dependency order: watchdog
// and housekeeper first (via cancelling their shared context), then
// notification workers, then subscribers get a terminal shutdown
// event, then every registered task is cancelled, then we wait for it
// all to unwind.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	a.Notify.Shutdown()
	a.Bus.ShutdownAll()
	a.Bus.Shutdown()
	a.Tasks.CancelAll()
	a.wg.Wait()
	_ = a.Store.Close()
}
