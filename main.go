package main

import (
	"webship/internal/config"
	"webship/internal/database"
	"webship/internal/logger"
	"webship/internal/newrelic"
	"webship/internal/server"
)

func main() {
	// Initialize global logger
	appLogger := logger.Initialize()
	appLogger.Info("webship pipeline service starting")

	// Load configuration
	cfg := config.Load()

	// Initialize New Relic monitoring
	nrApp, err := newrelic.Initialize(cfg)
	if err != nil {
		appLogger.WithError(err).Warn("Failed to initialize New Relic, continuing without monitoring")
	}

	// Initialize run history database
	db, err := database.InitDB("./webship.db")
	if err != nil {
		appLogger.Fatal("Failed to initialize database: ", err)
	}
	defer db.Close()

	store := database.NewStore(db)

	// Create and start server
	srv := server.NewServer(cfg, store, nrApp)
	if err := srv.Start(); err != nil {
		appLogger.Fatal("Server failed to start: ", err)
	}
}
