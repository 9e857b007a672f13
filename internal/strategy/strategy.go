package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/internal/statcache"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// Kind selects a concrete weighting strategy.
type Kind string

const (
	KindEqualWeight  Kind = "EQUAL_WEIGHT"
	KindMeanVariance Kind = "MEAN_VARIANCE"
	KindRiskParity   Kind = "RISK_PARITY"
)

// Constraints bound the constructed weights.
type Constraints struct {
	MinWeight   float64 `yaml:"min_weight" json:"min_weight"`
	MaxWeight   float64 `yaml:"max_weight" json:"max_weight"`
	CashReserve float64 `yaml:"cash_reserve" json:"cash_reserve"`
}

// Validate checks parameter ranges.
func (c Constraints) Validate() error {
	if c.MinWeight < 0 || c.MinWeight > 1 {
		return fmt.Errorf("min_weight must be in [0, 1]")
	}
	if c.MaxWeight <= 0 || c.MaxWeight > 1 {
		return fmt.Errorf("max_weight must be in (0, 1]")
	}
	if c.MinWeight > c.MaxWeight {
		return fmt.Errorf("min_weight must be <= max_weight")
	}
	if c.CashReserve < 0 || c.CashReserve >= 1 {
		return fmt.Errorf("cash_reserve must be in [0, 1)")
	}
	return nil
}

// ConstraintViolationError reports that a strategy cannot satisfy its
// portfolio constraints for the given membership.
type ConstraintViolationError struct {
	Reason string
}

func (e *ConstraintViolationError) Error() string {
	return "constraint violation: " + e.Reason
}

// Strategy turns a returns window and a membership set into target
// weights. Implementations are selected by Kind, not probed at runtime.
type Strategy interface {
	Name() string
	Construct(ctx context.Context, w marketdata.Window, members []string) (map[string]float64, error)
}

// New builds the concrete strategy for a kind.
func New(kind Kind, constraints Constraints, stats *statcache.RollingCache, log *logger.Logger) (Strategy, error) {
	if err := constraints.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = statcache.NewRollingCache(nil)
	}
	if log == nil {
		log = logger.NewNop()
	}

	switch kind {
	case KindEqualWeight:
		return &equalWeight{constraints: constraints, logger: log}, nil
	case KindMeanVariance:
		return &meanVariance{constraints: constraints, stats: stats, logger: log}, nil
	case KindRiskParity:
		return &riskParity{constraints: constraints, stats: stats, logger: log}, nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", kind)
	}
}

// equalWeight assigns the investable fraction evenly.
type equalWeight struct {
	constraints Constraints
	logger      *logger.Logger
}

func (s *equalWeight) Name() string { return string(KindEqualWeight) }

func (s *equalWeight) Construct(_ context.Context, _ marketdata.Window, members []string) (map[string]float64, error) {
	if len(members) == 0 {
		return nil, &ConstraintViolationError{Reason: "empty membership"}
	}

	available := 1.0 - s.constraints.CashReserve
	w := available / float64(len(members))

	weights := make(map[string]float64, len(members))
	for _, t := range members {
		weights[t] = w
	}
	return checkBounds(weights, s.constraints)
}

// meanVariance scales expected returns by inverse variance, a diagonal
// approximation of the classic solution that never needs a matrix
// inverse. Negative expected returns floor at zero.
type meanVariance struct {
	constraints Constraints
	stats       *statcache.RollingCache
	logger      *logger.Logger
}

func (s *meanVariance) Name() string { return string(KindMeanVariance) }

func (s *meanVariance) Construct(_ context.Context, w marketdata.Window, members []string) (map[string]float64, error) {
	if len(members) == 0 {
		return nil, &ConstraintViolationError{Reason: "empty membership"}
	}
	if !w.Valid() {
		return nil, &ConstraintViolationError{Reason: "invalid returns window"}
	}

	stats := s.stats.Statistics(w.Select(members))

	raw := make(map[string]float64, len(stats.Tickers))
	total := 0.0
	for i, ticker := range stats.Tickers {
		mu := stats.Mean[i]
		v := stats.Var(i)
		if mu <= 0 || v <= 0 {
			continue
		}
		raw[ticker] = mu / v
		total += mu / v
	}

	if total == 0 {
		// No positive expected return anywhere; fall back to equal
		// weight rather than holding nothing.
		s.logger.Debug("Mean-variance found no positive expectations, using equal weight")
		eq := &equalWeight{constraints: s.constraints, logger: s.logger}
		return eq.Construct(context.Background(), w, members)
	}

	available := 1.0 - s.constraints.CashReserve
	weights := make(map[string]float64, len(raw))
	for t, v := range raw {
		weights[t] = v / total * available
	}
	return capAndRenormalize(weights, s.constraints)
}

// riskParity weights inversely to volatility so each member contributes
// comparably to portfolio risk.
type riskParity struct {
	constraints Constraints
	stats       *statcache.RollingCache
	logger      *logger.Logger
}

func (s *riskParity) Name() string { return string(KindRiskParity) }

func (s *riskParity) Construct(_ context.Context, w marketdata.Window, members []string) (map[string]float64, error) {
	if len(members) == 0 {
		return nil, &ConstraintViolationError{Reason: "empty membership"}
	}
	if !w.Valid() {
		return nil, &ConstraintViolationError{Reason: "invalid returns window"}
	}

	stats := s.stats.Statistics(w.Select(members))

	raw := make(map[string]float64, len(stats.Tickers))
	total := 0.0
	for i, ticker := range stats.Tickers {
		v := stats.Var(i)
		if v <= 0 {
			continue
		}
		inv := 1 / math.Sqrt(v)
		raw[ticker] = inv
		total += inv
	}

	if total == 0 {
		return nil, &ConstraintViolationError{Reason: "no member has positive variance over the window"}
	}

	available := 1.0 - s.constraints.CashReserve
	weights := make(map[string]float64, len(raw))
	for t, v := range raw {
		weights[t] = v / total * available
	}
	return capAndRenormalize(weights, s.constraints)
}

// capAndRenormalize clamps weights to MaxWeight, drops those under
// MinWeight and rescales the rest to the investable fraction, then
// verifies the bounds still hold.
func capAndRenormalize(weights map[string]float64, c Constraints) (map[string]float64, error) {
	clamped := make(map[string]float64, len(weights))
	for t, w := range weights {
		if w > c.MaxWeight {
			w = c.MaxWeight
		}
		if w < c.MinWeight {
			continue
		}
		clamped[t] = w
	}
	if len(clamped) == 0 {
		return nil, &ConstraintViolationError{Reason: "no weight survives the min/max bounds"}
	}

	target := 1.0 - c.CashReserve
	sum := 0.0
	for _, w := range clamped {
		sum += w
	}
	for t := range clamped {
		clamped[t] = clamped[t] / sum * target
	}

	return checkBounds(clamped, c)
}

// checkBounds is the final gate: any weight outside the configured
// bounds is a constraint violation, not something to silently fix.
func checkBounds(weights map[string]float64, c Constraints) (map[string]float64, error) {
	const tol = 1e-9
	for t, w := range weights {
		if w > c.MaxWeight+tol {
			return nil, &ConstraintViolationError{
				Reason: fmt.Sprintf("weight %.4f for %s exceeds max_weight %.4f", w, t, c.MaxWeight),
			}
		}
		if w < c.MinWeight-tol {
			return nil, &ConstraintViolationError{
				Reason: fmt.Sprintf("weight %.4f for %s is below min_weight %.4f", w, t, c.MinWeight),
			}
		}
	}
	return weights, nil
}
