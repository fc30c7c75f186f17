// testserver starts an easel API server wired to an in-process mock engine,
// for manual and end-to-end testing without a real engine binary.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/easel-dev/easel/internal/api"
	"github.com/easel-dev/easel/internal/engine"
	"github.com/easel-dev/easel/internal/jobs"
	"github.com/easel-dev/easel/internal/mockengine"
	"github.com/easel-dev/easel/internal/session"
	"github.com/easel-dev/easel/internal/store"
	"github.com/easel-dev/easel/internal/supervisor"
	"github.com/easel-dev/easel/internal/workflow"
)

// demoGraph is a small runnable workflow: one text input, one integer seed
// with a default, a sampler with progress steps, and an image output.
const demoGraph = `{
	"prompt":  {"class_type": "ApiInputText", "inputs": {"display_name": "Prompt"}},
	"seed":    {"class_type": "ApiInputInteger", "inputs": {"value": 42}},
	"sampler": {"class_type": "KSampler", "inputs": {"text": ["prompt", 0], "seed": ["seed", 0], "steps": 8}},
	"image":   {"class_type": "ApiImageOutput", "inputs": {"images": ["sampler", 0], "format": "png"}}
}`

func main() {
	addr := ":8080"
	if v := os.Getenv("EASEL_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	flows := workflow.NewLibrary(nil, logger)
	desc, err := workflow.Analyze("demo", []byte(demoGraph))
	if err != nil {
		log.Fatalf("analyze demo workflow: %v", err)
	}
	flows.Add(desc)

	sessions := session.NewRegistry(0, logger)
	reaper := session.NewReaper(sessions, 0, 0, logger)

	launcher := &mockengine.Launcher{
		Opts: mockengine.Options{StepDelay: 100 * time.Millisecond},
	}
	sup := supervisor.New(supervisor.Config{
		StartTimeout: 10 * time.Second,
		Dialer:       engine.Dialer{MaxRetries: 5, RetryDelay: 100 * time.Millisecond},
	}, db, launcher, logger, supervisor.NewEngineLogger(os.Stdout, "info"))

	jobSvc := jobs.New(jobs.Config{}, sup, sessions, flows, db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go jobSvc.Run(ctx)
	go reaper.Run(ctx)

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("start mock engine: %v", err)
	}

	srv := api.NewServer(addr, os.Getenv("EASEL_API_KEY"), jobSvc, sessions, flows, sup, db, logger)

	logger.Info("testserver: starting", "addr", addr, "workflows", flows.List())
	runErr := srv.Run()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = sup.Stop(stopCtx)

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
