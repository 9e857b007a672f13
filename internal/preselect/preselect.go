package preselect

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/jc1122/portfolio-management-sub002/internal/eligibility"
	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/internal/statcache"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// Method selects the ranking factor.
type Method string

const (
	MethodMomentum Method = "MOMENTUM"
	MethodLowVol   Method = "LOW_VOL"
	MethodCombined Method = "COMBINED"
)

// tradingDaysPerYear annualizes daily volatility.
const tradingDaysPerYear = 252

// minZScoreNames is the smallest eligible universe for which z-scoring
// the combined factor is meaningful.
const minZScoreNames = 2

// Config controls preselection.
type Config struct {
	Method   Method  `yaml:"method" json:"method"`
	TopK     int     `yaml:"top_k" json:"top_k"`
	Lookback int     `yaml:"lookback" json:"lookback"`
	Skip     int     `yaml:"skip" json:"skip"`

	// Factor weights for MethodCombined; must sum to 1.
	MomentumWeight float64 `yaml:"momentum_weight" json:"momentum_weight"`
	LowVolWeight   float64 `yaml:"low_vol_weight" json:"low_vol_weight"`
}

// Validate checks parameter ranges. A validated config is immutable for
// the remainder of a run.
func (c Config) Validate() error {
	switch c.Method {
	case MethodMomentum, MethodLowVol, MethodCombined:
	default:
		return &ConfigError{Field: "method", Message: fmt.Sprintf("unknown method %q", c.Method)}
	}
	if c.TopK < 1 {
		return &ConfigError{Field: "top_k", Message: "must be >= 1"}
	}
	if c.Lookback < 1 {
		return &ConfigError{Field: "lookback", Message: "must be >= 1"}
	}
	if c.Skip < 0 {
		return &ConfigError{Field: "skip", Message: "must be >= 0"}
	}
	if c.Method == MethodCombined {
		if math.Abs(c.MomentumWeight+c.LowVolWeight-1.0) > 1e-9 {
			return &ConfigError{Field: "weights", Message: "momentum_weight + low_vol_weight must equal 1"}
		}
	}
	return nil
}

// ConfigError reports an invalid preselection parameter.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("preselect config %s: %s", e.Field, e.Message)
}

// InsufficientDataError reports that a requested computation has too few
// valid observations or eligible names.
type InsufficientDataError struct {
	Reason string
}

func (e *InsufficientDataError) Error() string {
	return "insufficient data: " + e.Reason
}

// Candidate is a ranked preselection result.
type Candidate struct {
	Ticker string  `json:"ticker"`
	Score  float64 `json:"score"`
}

// Preselector ranks the eligible universe by factor score. All window
// statistics flow through the caching layer so each unique window is
// computed at most once.
type Preselector struct {
	cfg     Config
	stats   *statcache.RollingCache
	factors *statcache.FactorCache
	logger  *logger.Logger
}

// New creates a preselector. factors may be nil, in which case momentum
// scores are computed directly on every call.
func New(cfg Config, stats *statcache.RollingCache, factors *statcache.FactorCache, log *logger.Logger) (*Preselector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = statcache.NewRollingCache(nil)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Preselector{cfg: cfg, stats: stats, factors: factors, logger: log}, nil
}

// Select ranks the eligible assets at the given row of the returns table
// and returns the top K by score, descending. Equal scores are broken by
// ascending ticker, so repeated runs produce identical orderings.
func (p *Preselector) Select(ctx context.Context, returns *marketdata.Table, row int, mask eligibility.Mask) ([]Candidate, error) {
	eligible := mask.Tickers()
	if len(eligible) == 0 {
		return nil, &InsufficientDataError{Reason: "no eligible assets"}
	}

	scores, err := p.scores(ctx, returns, row, eligible)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(scores))
	for ticker, score := range scores {
		candidates = append(candidates, Candidate{Ticker: ticker, Score: score})
	}

	// Descending score, ascending ticker on ties.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Ticker < candidates[j].Ticker
	})

	p.logger.WithFields(map[string]interface{}{
		"date":       returns.Date(row).Format("2006-01-02"),
		"method":     string(p.cfg.Method),
		"eligible":   len(eligible),
		"candidates": len(candidates),
	}).Debug("Preselection ranked")

	if len(candidates) > p.cfg.TopK {
		candidates = candidates[:p.cfg.TopK]
	}
	return candidates, nil
}

func (p *Preselector) scores(ctx context.Context, returns *marketdata.Table, row int, eligible []string) (map[string]float64, error) {
	switch p.cfg.Method {
	case MethodMomentum:
		return p.momentumScores(ctx, returns, row, eligible)
	case MethodLowVol:
		return p.lowVolScores(returns, row, eligible)
	case MethodCombined:
		return p.combinedScores(ctx, returns, row, eligible)
	default:
		return nil, &ConfigError{Field: "method", Message: string(p.cfg.Method)}
	}
}

// momentumWindow is the lookback span ending skip rows before the
// evaluation row, so the most recent skip periods never contaminate the
// signal with short-term reversal.
func (p *Preselector) momentumWindow(returns *marketdata.Table, row int, eligible []string) (marketdata.Window, error) {
	end := row - p.cfg.Skip
	start := end - p.cfg.Lookback
	if start < 0 {
		return marketdata.Window{}, &InsufficientDataError{
			Reason: fmt.Sprintf("lookback window predates first observation (need row %d)", start),
		}
	}
	return returns.Window(start, end).Select(eligible), nil
}

func (p *Preselector) momentumScores(ctx context.Context, returns *marketdata.Table, row int, eligible []string) (map[string]float64, error) {
	w, err := p.momentumWindow(returns, row, eligible)
	if err != nil {
		return nil, err
	}

	compute := func() (interface{}, error) {
		out := make(map[string]float64, len(w.Tickers()))
		for _, ticker := range w.Tickers() {
			cum := 1.0
			seen := false
			for _, r := range w.Column(ticker) {
				if math.IsNaN(r) {
					continue
				}
				cum *= 1 + r
				seen = true
			}
			if seen {
				out[ticker] = cum - 1
			}
		}
		return out, nil
	}

	if p.factors == nil {
		v, _ := compute()
		return v.(map[string]float64), nil
	}

	key := fmt.Sprintf("momentum:%d:%d:%s", p.cfg.Lookback, p.cfg.Skip, w.ContentKey())
	var scores map[string]float64
	if err := p.factors.GetOrCompute(ctx, key, &scores, compute); err != nil {
		return nil, err
	}
	return scores, nil
}

// lowVolScores ranks by negative annualized volatility over the trailing
// lookback window ending at the evaluation row (exclusive). Variances
// come from the rolling statistics cache.
func (p *Preselector) lowVolScores(returns *marketdata.Table, row int, eligible []string) (map[string]float64, error) {
	start := row - p.cfg.Lookback
	if start < 0 {
		return nil, &InsufficientDataError{
			Reason: fmt.Sprintf("lookback window predates first observation (need row %d)", start),
		}
	}
	w := returns.Window(start, row).Select(eligible)

	stats := p.stats.Statistics(w)
	out := make(map[string]float64, len(stats.Tickers))
	for i, ticker := range stats.Tickers {
		vol := math.Sqrt(stats.Var(i) * tradingDaysPerYear)
		out[ticker] = -vol
	}
	return out, nil
}

func (p *Preselector) combinedScores(ctx context.Context, returns *marketdata.Table, row int, eligible []string) (map[string]float64, error) {
	if len(eligible) < minZScoreNames {
		return nil, &InsufficientDataError{
			Reason: fmt.Sprintf("combined scoring needs at least %d eligible assets, have %d", minZScoreNames, len(eligible)),
		}
	}

	mom, err := p.momentumScores(ctx, returns, row, eligible)
	if err != nil {
		return nil, err
	}
	lowVol, err := p.lowVolScores(returns, row, eligible)
	if err != nil {
		return nil, err
	}

	momZ := zscores(mom)
	volZ := zscores(lowVol)

	out := make(map[string]float64, len(eligible))
	for _, ticker := range eligible {
		mz, okM := momZ[ticker]
		vz, okV := volZ[ticker]
		if !okM || !okV {
			continue
		}
		out[ticker] = p.cfg.MomentumWeight*mz + p.cfg.LowVolWeight*vz
	}
	return out, nil
}

// zscores standardizes a score map. A zero spread maps every score to 0.
func zscores(scores map[string]float64) map[string]float64 {
	n := len(scores)
	if n == 0 {
		return scores
	}

	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	mean := sum / float64(n)

	variance := 0.0
	for _, v := range scores {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(n))

	out := make(map[string]float64, n)
	for k, v := range scores {
		if std == 0 {
			out[k] = 0
			continue
		}
		out[k] = (v - mean) / std
	}
	return out
}
