package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jc1122/portfolio-management-sub002/pkg/config"
	"github.com/jc1122/portfolio-management-sub002/pkg/database"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
	"github.com/jc1122/portfolio-management-sub002/pkg/redis"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check infrastructure connectivity",
	Long: `Pings the database and Redis and reports their health.

Example:
  go run ./cmd/simulator status`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Portfolio Simulator Status ===")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Database
	if cfg.Database.URL == "" {
		fmt.Println("Database: not configured")
	} else {
		db, err := database.New(cfg)
		if err != nil {
			fmt.Printf("Database: FAILED (%v)\n", err)
		} else {
			health, err := db.HealthCheck(ctx)
			if err != nil {
				fmt.Printf("Database: FAILED (%v)\n", err)
			} else {
				fmt.Printf("Database: OK (%d/%d conns, %v)\n",
					health.TotalConns, health.MaxConns, health.ResponseTime)
			}
			db.Close()
		}
	}

	// Redis
	if !cfg.Redis.Enabled {
		fmt.Println("Redis:    disabled")
	} else {
		client, err := redis.New(cfg)
		if err != nil {
			fmt.Printf("Redis:    FAILED (%v)\n", err)
		} else {
			fmt.Println("Redis:    OK")
			client.Close()
		}
	}

	log.Debug("Status check complete")
	return nil
}
