package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"casetrack/api"
	"casetrack/config"
	"casetrack/core/automation"
	"casetrack/core/dedup"
	"casetrack/core/store"
	"casetrack/core/utils"
	"casetrack/core/workflow"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := utils.NewLogger()
	cfg, err := config.Load(os.Getenv("CASETRACK_CONFIG"))
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}

	db, err := store.NewDB(cfg, logger)
	if err != nil {
		logger.Errorf("store: open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		logger.Errorf("store: migrations: %v", err)
		os.Exit(1)
	}

	users := store.NewUsersStore(db)
	sessions := store.NewSessionsStore(db)
	cases := store.NewCasesStore(db)
	events := store.NewEventsStore(db)
	rates := store.NewRateLimitStore(db)

	wf := workflow.NewManager(cases, logger)
	dd := dedup.NewService(cases, wf, logger)

	auto := automation.NewService(cfg.Automation, users, cases, wf, logger)
	auto.Start()

	server := api.NewServer(api.ServerDeps{
		Config:     cfg,
		Users:      users,
		Sessions:   sessions,
		Cases:      cases,
		Events:     events,
		Dedup:      dd,
		Workflow:   wf,
		RateLimits: rates,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Infof("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	if err := auto.Stop(shutdownCtx); err != nil {
		logger.Errorf("automation shutdown: %v", err)
	}
	logger.Infof("stopped")
}
