package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jc1122/portfolio-management-sub002/internal/results"
	"github.com/jc1122/portfolio-management-sub002/internal/runner"
	"github.com/jc1122/portfolio-management-sub002/internal/scheduler"
	"github.com/jc1122/portfolio-management-sub002/internal/scheduler/jobs"
	"github.com/jc1122/portfolio-management-sub002/pkg/config"
	"github.com/jc1122/portfolio-management-sub002/pkg/database"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// scheduleCmd represents the schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the job scheduler",
	Long: `Starts the cron scheduler and keeps it running.

Registered jobs:
  nightly_backtest - replays the configured scenario every evening

Example:
  go run ./cmd/simulator schedule
  go run ./cmd/simulator schedule --now`,
	RunE: runScheduler,
}

var scheduleNow bool

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().BoolVar(&scheduleNow, "now", false, "trigger the nightly backtest immediately on startup")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Portfolio Simulator Scheduler ===")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg)

	if cfg.ScenarioPath == "" {
		return fmt.Errorf("SCENARIO_PATH must be set for scheduled backtests")
	}

	var repo *results.Repository
	if cfg.Database.URL != "" {
		db, err := database.New(cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		repo = results.NewRepository(db.Pool)
		log.Info("Connected to database")
	}

	store, err := openStore(cfg, 24*time.Hour, log)
	if err != nil {
		return err
	}

	manager := runner.NewManager(cfg.DataDir, store, repo, log)

	sched := scheduler.New(log)
	if err := sched.AddJob(jobs.NewNightlyBacktestJob(cfg.ScenarioPath, manager, log)); err != nil {
		return fmt.Errorf("register job: %w", err)
	}

	sched.Start()
	defer sched.Stop()

	if scheduleNow {
		if err := sched.RunJob("nightly_backtest"); err != nil {
			return err
		}
	}

	fmt.Println("\nScheduler running, press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	return nil
}
