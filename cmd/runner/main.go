package main

import (
	"context"
	"fmt"
	"os"

	"webship/internal/config"
	"webship/internal/database"
	"webship/internal/logger"
	"webship/internal/newrelic"
	"webship/internal/pipeline"
	"webship/internal/runner"
)

// One-shot pipeline run: executes the full release pipeline for COMMIT_REF
// and exits 0 on success, 2 on unstable, 1 on failure.
func main() {
	appLogger := logger.Initialize()

	cfg := config.Load()

	nrApp, err := newrelic.Initialize(cfg)
	if err != nil {
		appLogger.WithError(err).Warn("Failed to initialize New Relic, continuing without monitoring")
	}

	db, err := database.InitDB("./webship.db")
	if err != nil {
		appLogger.Fatal("Failed to initialize database: ", err)
	}
	defer db.Close()

	store := database.NewStore(db)
	r := runner.New(cfg, store, nrApp)

	if err := r.TryAcquire(); err != nil {
		appLogger.Fatal(err)
	}

	buildNumber, err := r.AllocateBuildNumber()
	if err != nil {
		r.Release()
		appLogger.Fatal("Failed to allocate build number: ", err)
	}

	run, err := r.Launch(context.Background(), buildNumber, cfg.CommitRef)
	if err != nil {
		appLogger.Fatal("Pipeline run could not be launched: ", err)
	}

	fmt.Println(run.Summary)

	switch run.Status {
	case pipeline.StatusSuccess:
		os.Exit(0)
	case pipeline.StatusUnstable:
		os.Exit(2)
	default:
		os.Exit(1)
	}
}
