package backtest

import (
	"math"

	"github.com/shopspring/decimal"
)

// Metrics is the post-hoc performance record derived from a finished
// equity curve. Pure arithmetic over the run's outputs; it carries no
// state of its own.
type Metrics struct {
	TotalReturn      float64         `json:"total_return"`
	AnnualizedReturn float64         `json:"annualized_return"`
	CAGR             float64         `json:"cagr"`
	Volatility       float64         `json:"volatility"`
	SharpeRatio      float64         `json:"sharpe_ratio"`
	SortinoRatio     float64         `json:"sortino_ratio"`
	MaxDrawdown      float64         `json:"max_drawdown"`
	TradingDays      int             `json:"trading_days"`
	RebalanceCount   int             `json:"rebalance_count"`
	TotalCost        decimal.Decimal `json:"total_cost"`
}

// ComputeMetrics derives summary statistics from the equity curve and
// event log.
func ComputeMetrics(cfg Config, curve []EquityPoint, events []RebalanceEvent) Metrics {
	m := Metrics{
		TradingDays:    len(curve),
		RebalanceCount: len(events),
		TotalCost:      decimal.Zero,
	}
	if len(curve) == 0 {
		return m
	}

	for _, ev := range events {
		m.TotalCost = m.TotalCost.Add(ev.TotalCost)
	}

	initial := cfg.InitialCapital.InexactFloat64()
	final := curve[len(curve)-1].Equity.InexactFloat64()
	m.TotalReturn = (final - initial) / initial

	days := cfg.EndDate.Sub(cfg.StartDate).Hours() / 24
	years := days / 365.25
	if years > 0 {
		m.AnnualizedReturn = m.TotalReturn / years
		m.CAGR = math.Pow(final/initial, 1/years) - 1
	}

	dailyReturns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity.InexactFloat64()
		curr := curve[i].Equity.InexactFloat64()
		if prev != 0 {
			dailyReturns = append(dailyReturns, (curr-prev)/prev)
		}
	}

	m.Volatility = stddev(dailyReturns) * math.Sqrt(252)
	if m.Volatility > 0 {
		m.SharpeRatio = m.AnnualizedReturn / m.Volatility
	}

	var downside []float64
	for _, r := range dailyReturns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	downsideDeviation := stddev(downside) * math.Sqrt(252)
	if downsideDeviation > 0 {
		m.SortinoRatio = m.AnnualizedReturn / downsideDeviation
	}

	m.MaxDrawdown = maxDrawdown(curve)

	return m
}

// stddev is the population standard deviation.
func stddev(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}

// maxDrawdown is the largest peak-to-trough loss over the curve.
func maxDrawdown(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}

	maxDD := 0.0
	peak := curve[0].Equity.InexactFloat64()

	for _, point := range curve {
		eq := point.Equity.InexactFloat64()
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			dd := (peak - eq) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	return maxDD
}
