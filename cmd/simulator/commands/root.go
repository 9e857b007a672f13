package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Portfolio backtest simulator",
	Long: `Portfolio backtest simulator

Replays factor-preselected portfolios over daily bars with
point-in-time eligibility, turnover discipline and transaction costs.

Usage:
  go run ./cmd/simulator [command]

Examples:
  go run ./cmd/simulator run --scenario scenarios/momentum.yaml
  go run ./cmd/simulator api
  go run ./cmd/simulator schedule
  go run ./cmd/simulator status`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
