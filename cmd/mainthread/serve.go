package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mainthread-dev/mainthread/internal/agentdriver/fake"
	"github.com/mainthread-dev/mainthread/internal/app"
	"github.com/mainthread-dev/mainthread/internal/config"
	"github.com/mainthread-dev/mainthread/internal/httpapi"
	"github.com/mainthread-dev/mainthread/internal/logging"
	"github.com/mainthread-dev/mainthread/internal/store"
)

func runServe(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}

	st, err := store.NewSQLite(cfg.DBPath())
	if err != nil {
		return err
	}

	// TODO: wire the real Claude Agent SDK driver here once it ships a Go
	// client; fake.New simulates turns so the HTTP surface and control
	// plane are fully exercisable today.
	driver := fake.New()

	a := app.New(cfg, st, driver, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	slog.Info("mainthread listening", "addr", cfg.Addr, "data_dir", cfg.DataDir)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			a.Shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	a.Shutdown()
	return nil
}
