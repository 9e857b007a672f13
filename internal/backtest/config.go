package backtest

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is the scheduled rebalance cadence.
type Frequency string

const (
	FrequencyDaily     Frequency = "DAILY"
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
)

// Config holds the engine parameters. Validation happens once at engine
// construction; a constructed engine treats its config as read-only.
type Config struct {
	StartDate      time.Time       `yaml:"-" json:"start_date"`
	EndDate        time.Time       `yaml:"-" json:"end_date"`
	InitialCapital decimal.Decimal `yaml:"-" json:"initial_capital"`

	Frequency Frequency `yaml:"frequency" json:"frequency"`

	// RebalanceThreshold triggers an off-schedule rebalance when the
	// max absolute weight drift exceeds it. Zero disables the trigger.
	RebalanceThreshold float64 `yaml:"rebalance_threshold" json:"rebalance_threshold"`

	// Costs
	CommissionPct float64 `yaml:"commission_pct" json:"commission_pct"`
	CommissionMin float64 `yaml:"commission_min" json:"commission_min"`
	SlippageBps   float64 `yaml:"slippage_bps" json:"slippage_bps"`

	// Lookback is the returns window length handed to the strategy.
	Lookback int `yaml:"lookback" json:"lookback"`

	// Point-in-time eligibility
	PITEnabled bool `yaml:"pit_enabled" json:"pit_enabled"`
	MinHistory int  `yaml:"min_history" json:"min_history"`
	MaxGap     int  `yaml:"max_gap" json:"max_gap"`
}

// Validate checks parameter ranges, fail fast.
func (c Config) Validate() error {
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return &ConfigurationError{Field: "dates", Message: "start and end dates are required"}
	}
	if c.EndDate.Before(c.StartDate) {
		return &ConfigurationError{Field: "dates", Message: "end date before start date"}
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return &ConfigurationError{Field: "initial_capital", Message: "must be > 0"}
	}

	switch c.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly:
	default:
		return &ConfigurationError{Field: "frequency", Message: "must be DAILY, WEEKLY, MONTHLY or QUARTERLY"}
	}

	if c.RebalanceThreshold < 0 || c.RebalanceThreshold > 1 {
		return &ConfigurationError{Field: "rebalance_threshold", Message: "must be in [0, 1]"}
	}
	if c.CommissionPct < 0 {
		return &ConfigurationError{Field: "commission_pct", Message: "must be >= 0"}
	}
	if c.CommissionMin < 0 {
		return &ConfigurationError{Field: "commission_min", Message: "must be >= 0"}
	}
	if c.SlippageBps < 0 {
		return &ConfigurationError{Field: "slippage_bps", Message: "must be >= 0"}
	}
	if c.Lookback < 1 {
		return &ConfigurationError{Field: "lookback", Message: "must be >= 1"}
	}
	if c.MinHistory < 0 {
		return &ConfigurationError{Field: "min_history", Message: "must be >= 0"}
	}
	if c.MaxGap < 0 {
		return &ConfigurationError{Field: "max_gap", Message: "must be >= 0"}
	}

	return nil
}

// warmupRows is the number of rows the price index must provide before
// the start date so the first rebalance has a full decision window.
func (c Config) warmupRows() int {
	need := c.Lookback
	if c.MinHistory > need {
		need = c.MinHistory
	}
	return need
}
