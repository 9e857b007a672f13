package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jc1122/portfolio-management-sub002/internal/runner"
	"github.com/jc1122/portfolio-management-sub002/internal/scenario"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// NightlyBacktestJob replays the configured scenario every night so the
// tracked strategy picks up the day's new bars.
type NightlyBacktestJob struct {
	scenarioPath string
	manager      *runner.Manager
	logger       *logger.Logger
}

// NewNightlyBacktestJob creates a new nightly backtest job
func NewNightlyBacktestJob(scenarioPath string, manager *runner.Manager, log *logger.Logger) *NightlyBacktestJob {
	return &NightlyBacktestJob{
		scenarioPath: scenarioPath,
		manager:      manager,
		logger:       log,
	}
}

// Name returns the job name
func (j *NightlyBacktestJob) Name() string {
	return "nightly_backtest"
}

// Schedule returns the cron schedule (every day at 6 PM)
func (j *NightlyBacktestJob) Schedule() string {
	return "0 0 18 * * *"
}

// Run executes the scheduled backtest
func (j *NightlyBacktestJob) Run(ctx context.Context) error {
	j.logger.WithField("path", j.scenarioPath).Info("Starting scheduled backtest")

	s, _, err := scenario.Load(j.scenarioPath)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}

	id, err := j.manager.Submit(s)
	if err != nil {
		return fmt.Errorf("submit scenario: %w", err)
	}

	// Wait for the run so retries and history see the real outcome.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, ok := j.manager.Get(id)
			if !ok {
				return fmt.Errorf("run %d disappeared", id)
			}
			switch info.Status {
			case runner.StatusCompleted:
				j.logger.WithFields(map[string]interface{}{
					"run_id": id,
					"points": info.Points,
				}).Info("Scheduled backtest completed")
				return nil
			case runner.StatusFailed:
				return fmt.Errorf("run %d failed: %s", id, info.Error)
			}
		}
	}
}
