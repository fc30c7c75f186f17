package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/easel-dev/easel/internal/api"
	"github.com/easel-dev/easel/internal/config"
	"github.com/easel-dev/easel/internal/jobs"
	"github.com/easel-dev/easel/internal/session"
	"github.com/easel-dev/easel/internal/store"
	"github.com/easel-dev/easel/internal/supervisor"
	"github.com/easel-dev/easel/internal/workflow"
)

const stopTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.EngineBin == "" {
		log.Fatal("EASEL_ENGINE_BIN is required")
	}
	if len(cfg.WorkflowDirs) == 0 {
		log.Fatal("EASEL_WORKFLOW_DIRS is required")
	}

	logger.Info("easel: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine_bin", cfg.EngineBin,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	flows := workflow.NewLibrary(cfg.WorkflowDirs, logger)
	if err := flows.Reload(); err != nil {
		log.Fatalf("failed to load workflows: %v", err)
	}

	sessions := session.NewRegistry(cfg.SessionBuffer, logger)
	reaper := session.NewReaper(sessions, cfg.SessionIdleTimeout, cfg.SweepInterval, logger)

	launcher := &supervisor.ExecLauncher{
		Command: append([]string{cfg.EngineBin}, cfg.EngineArgs...),
	}
	sup := supervisor.New(supervisor.Config{
		StartTimeout:   cfg.StartTimeout,
		PingInterval:   cfg.PingInterval,
		RestartMax:     cfg.RestartMax,
		RestartBackoff: cfg.RestartBackoff,
		PluginDir:      cfg.PluginDir,
		PrepCommand:    cfg.PrepCommand,
	}, db, launcher, logger, supervisor.NewEngineLogger(os.Stderr, "info"))

	jobSvc := jobs.New(jobs.Config{
		QueueTTL:      cfg.QueueTTL,
		Retention:     cfg.JobRetention,
		SweepInterval: cfg.SweepInterval,
	}, sup, sessions, flows, db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go jobSvc.Run(ctx)
	go reaper.Run(ctx)

	// A failed engine start is not fatal: admissions queue against the
	// QueueTTL and the operator can retry through the lifecycle endpoint.
	if err := sup.Start(ctx); err != nil {
		logger.Error("engine start failed", "error", err)
	}

	srv := api.NewServer(cfg.ListenAddr, cfg.APIKey, jobSvc, sessions, flows, sup, db, logger)
	runErr := srv.Run()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := sup.Stop(stopCtx); err != nil {
		logger.Error("engine stop failed", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
