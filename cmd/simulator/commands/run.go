package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jc1122/portfolio-management-sub002/internal/backtest"
	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/internal/results"
	"github.com/jc1122/portfolio-management-sub002/internal/scenario"
	"github.com/jc1122/portfolio-management-sub002/internal/statcache"
	"github.com/jc1122/portfolio-management-sub002/pkg/config"
	"github.com/jc1122/portfolio-management-sub002/pkg/database"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
	"github.com/jc1122/portfolio-management-sub002/pkg/redis"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a backtest scenario",
	Long: `Runs one backtest scenario to completion and prints its metrics.

This command:
- Loads the scenario YAML
- Loads the parquet price archive it references
- Replays the simulation day by day
- Prints a performance summary

Example:
  go run ./cmd/simulator run --scenario scenarios/momentum.yaml
  go run ./cmd/simulator run --scenario scenarios/momentum.yaml --save`,
	RunE: runBacktest,
}

var (
	runScenarioPath string
	runSave         bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runScenarioPath, "scenario", "", "scenario YAML path (default from SCENARIO_PATH)")
	runCmd.Flags().BoolVar(&runSave, "save", false, "persist the run to the database")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg)

	path := runScenarioPath
	if path == "" {
		path = cfg.ScenarioPath
	}
	if path == "" {
		return fmt.Errorf("no scenario: pass --scenario or set SCENARIO_PATH")
	}

	s, _, err := scenario.Load(path)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}

	pricesDir := s.Data.PricesDir
	if !filepath.IsAbs(pricesDir) {
		pricesDir = filepath.Join(cfg.DataDir, pricesDir)
	}

	log.WithFields(map[string]interface{}{
		"scenario": s.Name,
		"prices":   pricesDir,
	}).Info("Loading market data")

	prices, err := marketdata.LoadPrices(pricesDir)
	if err != nil {
		return fmt.Errorf("load prices: %w", err)
	}
	returns, err := marketdata.Returns(prices)
	if err != nil {
		return fmt.Errorf("derive returns: %w", err)
	}

	store, err := openStore(cfg, s.CacheMaxAge(), log)
	if err != nil {
		return err
	}

	eng, err := scenario.Build(s, prices, returns, scenario.BuildOptions{
		Store:  store,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	result, err := eng.Run(context.Background())
	if err != nil {
		return fmt.Errorf("run backtest: %w", err)
	}

	printSummary(s, result)

	if runSave {
		if err := persistRun(cfg, s, result, log); err != nil {
			return err
		}
		fmt.Println("\nRun saved to database")
	}

	return nil
}

// openStore picks the durable factor cache tier: Redis when enabled,
// else the on-disk store, else none.
func openStore(cfg *config.Config, maxAge time.Duration, log *logger.Logger) (statcache.Store, error) {
	if cfg.Redis.Enabled {
		client, err := redis.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("Using Redis factor cache")
		return statcache.NewRedisStore(client, maxAge), nil
	}
	if cfg.CacheDir != "" {
		store, err := statcache.NewDiskStore(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open cache dir: %w", err)
		}
		return store, nil
	}
	return nil, nil
}

func persistRun(cfg *config.Config, s *scenario.Scenario, result *backtest.Result, log *logger.Logger) error {
	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	repo := results.NewRepository(db.Pool)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hash, err := scenario.Hash(s)
	if err != nil {
		return fmt.Errorf("hash scenario: %w", err)
	}

	runID, err := repo.CreateRun(ctx, s.Name, hash, result.Config)
	if err != nil {
		return err
	}
	if err := repo.SaveResult(ctx, runID, result); err != nil {
		return err
	}

	log.WithField("run_id", runID).Info("Run persisted")
	return nil
}

func printSummary(s *scenario.Scenario, result *backtest.Result) {
	m := result.Metrics

	fmt.Printf("\n=== %s ===\n", s.Name)
	fmt.Printf("Period:        %s to %s (%d trading days)\n",
		result.Config.StartDate.Format("2006-01-02"),
		result.Config.EndDate.Format("2006-01-02"),
		m.TradingDays)
	fmt.Printf("Rebalances:    %d\n", m.RebalanceCount)
	fmt.Printf("Total cost:    %s\n", m.TotalCost.StringFixed(2))
	fmt.Println()
	fmt.Printf("Total return:  %+.2f%%\n", m.TotalReturn*100)
	fmt.Printf("CAGR:          %+.2f%%\n", m.CAGR*100)
	fmt.Printf("Volatility:    %.2f%%\n", m.Volatility*100)
	fmt.Printf("Sharpe:        %.2f\n", m.SharpeRatio)
	fmt.Printf("Sortino:       %.2f\n", m.SortinoRatio)
	fmt.Printf("Max drawdown:  %.2f%%\n", m.MaxDrawdown*100)

	if n := len(result.EquityCurve); n > 0 {
		last := result.EquityCurve[n-1]
		fmt.Printf("\nFinal equity:  %s (%s)\n",
			last.Equity.StringFixed(2), last.Date.Format("2006-01-02"))
	}
}
