package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jc1122/portfolio-management-sub002/internal/api"
	"github.com/jc1122/portfolio-management-sub002/internal/api/handlers"
	"github.com/jc1122/portfolio-management-sub002/internal/results"
	"github.com/jc1122/portfolio-management-sub002/internal/runner"
	"github.com/jc1122/portfolio-management-sub002/pkg/config"
	"github.com/jc1122/portfolio-management-sub002/pkg/database"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Starts the REST API server.

This command:
- Starts the HTTP API server
- Accepts scenario submissions and runs them in the background
- Streams progress over WebSocket

Endpoints:
  GET  /health                        - Health check
  POST /api/backtests                 - Submit scenario YAML
  GET  /api/backtests                 - List runs
  GET  /api/backtests/{id}            - Run status
  GET  /api/backtests/{id}/equity     - Equity curve
  GET  /api/backtests/{id}/events     - Rebalance events
  GET  /api/backtests/{id}/metrics    - Performance metrics
  GET  /ws/backtests/{id}             - Progress stream

Example:
  go run ./cmd/simulator api
  go run ./cmd/simulator api --port 8091`,
	RunE: runAPIServer,
}

var apiPort string

func init() {
	rootCmd.AddCommand(apiCmd)

	apiCmd.Flags().StringVar(&apiPort, "port", "", "API server port (default from PORT)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Portfolio Simulator API Server ===")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if apiPort != "" {
		cfg.Port = apiPort
	}

	log := logger.New(cfg)

	log.WithFields(map[string]interface{}{
		"port": cfg.Port,
		"env":  cfg.Env,
	}).Info("Initializing API server")

	// Persistence is optional for the API: without a database the
	// results stay in memory for the lifetime of the process.
	var repo *results.Repository
	if cfg.Database.URL != "" {
		db, err := database.New(cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		repo = results.NewRepository(db.Pool)
		log.Info("Connected to database")
	} else {
		log.Warn("DATABASE_URL not set, runs will not be persisted")
	}

	store, err := openStore(cfg, 24*time.Hour, log)
	if err != nil {
		return err
	}

	manager := runner.NewManager(cfg.DataDir, store, repo, log)
	backtestHandler := handlers.NewBacktestHandler(manager, log)
	router := api.NewRouter(backtestHandler, log)
	server := api.New(cfg, log, router)

	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	log.Info("API server started successfully")
	fmt.Printf("\nServer running on http://localhost:%s\n", cfg.Port)
	fmt.Println("Press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("Server stopped")
	return nil
}
