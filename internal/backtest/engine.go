package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jc1122/portfolio-management-sub002/internal/costs"
	"github.com/jc1122/portfolio-management-sub002/internal/eligibility"
	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/internal/membership"
	"github.com/jc1122/portfolio-management-sub002/internal/preselect"
	"github.com/jc1122/portfolio-management-sub002/internal/regime"
	"github.com/jc1122/portfolio-management-sub002/internal/strategy"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// State is the engine lifecycle phase.
type State string

const (
	StateInitialized State = "INITIALIZED"
	StateRunning     State = "RUNNING"
	StateRebalancing State = "REBALANCING"
	StateCompleted   State = "COMPLETED"
)

// TriggerKind classifies what caused a rebalance.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "SCHEDULED"
	TriggerThreshold TriggerKind = "THRESHOLD"
)

// RebalanceEvent is the immutable record of one rebalance. Events are
// appended to an ordered log and never mutated afterwards.
type RebalanceEvent struct {
	Date       time.Time        `json:"date"`
	Trigger    TriggerKind      `json:"trigger"`
	Trades     map[string]int64 `json:"trades"` // signed shares per ticker
	TotalCost  decimal.Decimal  `json:"total_cost"`
	PreValue   decimal.Decimal  `json:"pre_value"`
	PostValue  decimal.Decimal  `json:"post_value"`
	CashBefore decimal.Decimal  `json:"cash_before"`
	CashAfter  decimal.Decimal  `json:"cash_after"`
	Added      []string         `json:"added"`
	Removed    []string         `json:"removed"`
	Turnover   float64          `json:"turnover"` // membership-count estimate
	// RealizedTurnover is the executed traded value over twice the
	// pre-trade equity, the same normalization as the estimate.
	RealizedTurnover float64 `json:"realized_turnover"`
}

// EquityPoint is one mark-to-market observation of the equity curve.
type EquityPoint struct {
	Date   time.Time       `json:"date"`
	Equity decimal.Decimal `json:"equity"`
	Return float64         `json:"return"` // cumulative vs initial capital
}

// Result is the complete outcome of a run.
type Result struct {
	Config      Config           `json:"config"`
	EquityCurve []EquityPoint    `json:"equity_curve"`
	Events      []RebalanceEvent `json:"events"`
	Metrics     Metrics          `json:"metrics"`
}

// ProgressFunc receives each equity point as it is produced. Optional;
// used by the API layer to stream running backtests.
type ProgressFunc func(EquityPoint)

// Deps are the decision collaborators injected into the engine.
type Deps struct {
	Preselector *preselect.Preselector
	Policy      *membership.Policy
	Strategy    strategy.Strategy
	Gate        regime.Gate
	Logger      *logger.Logger
	Progress    ProgressFunc
}

// Engine walks the trading calendar and replays rebalance decisions under
// transaction costs and turnover discipline. The loop is strictly
// sequential: every decision sees all strictly prior state (membership,
// holding counters, cash, holdings) and nothing later.
type Engine struct {
	cfg     Config
	prices  *marketdata.Table
	returns *marketdata.Table
	costs   costs.Model
	elig    *eligibility.Engine
	deps    Deps
	logger  *logger.Logger

	state         State
	cash          decimal.Decimal
	holdings      map[string]int64
	policyState   membership.State
	lastTargets   map[string]float64
	lastScheduled time.Time

	startRow, endRow int
}

// New validates the configuration and the supplied series and returns a
// ready engine. Configuration and history problems surface here, before
// any simulation step executes.
func New(cfg Config, prices, returns *marketdata.Table, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prices == nil || returns == nil {
		return nil, &ConfigurationError{Field: "data", Message: "price and return tables are required"}
	}
	if deps.Preselector == nil {
		return nil, &ConfigurationError{Field: "preselector", Message: "required"}
	}
	if deps.Policy == nil {
		return nil, &ConfigurationError{Field: "policy", Message: "required"}
	}
	if deps.Strategy == nil {
		return nil, &ConfigurationError{Field: "strategy", Message: "required"}
	}
	if deps.Gate == nil {
		deps.Gate = regime.PassThrough{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	if prices.NumRows() != returns.NumRows() ||
		!prices.Date(0).Equal(returns.Date(0)) ||
		!prices.Date(prices.NumRows()-1).Equal(returns.Date(returns.NumRows()-1)) {
		return nil, &ConfigurationError{Field: "data", Message: "price and return tables must share the same date index"}
	}

	if !prices.Covers(cfg.StartDate, cfg.EndDate) {
		return nil, &InsufficientHistoryError{
			Start:   cfg.StartDate,
			End:     cfg.EndDate,
			Message: fmt.Sprintf("series spans [%s, %s]",
				prices.Date(0).Format("2006-01-02"),
				prices.Date(prices.NumRows()-1).Format("2006-01-02")),
		}
	}

	startRow := prices.IndexOnOrAfter(cfg.StartDate)
	if startRow < cfg.warmupRows() {
		return nil, &InsufficientHistoryError{
			Start:   cfg.StartDate,
			End:     cfg.EndDate,
			Message: fmt.Sprintf("need %d warmup rows before start, have %d", cfg.warmupRows(), startRow),
		}
	}

	endRow := startRow
	for endRow+1 < prices.NumRows() && !prices.Date(endRow+1).After(cfg.EndDate) {
		endRow++
	}

	return &Engine{
		cfg:         cfg,
		prices:      prices,
		returns:     returns,
		costs:       costs.NewModel(cfg.CommissionPct, cfg.CommissionMin, cfg.SlippageBps),
		elig:        eligibility.New(eligibility.Config{MinHistory: cfg.MinHistory, MaxGap: cfg.MaxGap}, deps.Logger),
		deps:        deps,
		logger:      deps.Logger,
		state:       StateInitialized,
		cash:        cfg.InitialCapital,
		holdings:    make(map[string]int64),
		policyState: membership.NewState(),
		startRow:    startRow,
		endRow:      endRow,
	}, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return e.state
}

// Run executes the simulation. On any mid-simulation error the run
// aborts without partial results: a truncated equity curve would be
// silently misleading about strategy performance.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.state != StateInitialized {
		return nil, fmt.Errorf("engine already run (state %s)", e.state)
	}
	e.state = StateRunning

	e.logger.WithFields(map[string]interface{}{
		"start":    e.cfg.StartDate.Format("2006-01-02"),
		"end":      e.cfg.EndDate.Format("2006-01-02"),
		"capital":  e.cfg.InitialCapital.String(),
		"frequency": string(e.cfg.Frequency),
	}).Info("Starting backtest")

	curve := make([]EquityPoint, 0, e.endRow-e.startRow+1)
	events := make([]RebalanceEvent, 0)

	for row := e.startRow; row <= e.endRow; row++ {
		date := e.prices.Date(row)

		trigger, ok := e.trigger(row, date)
		if ok {
			e.state = StateRebalancing
			event, traded, err := e.rebalance(ctx, row, trigger)
			if err != nil {
				return nil, err
			}
			if traded {
				events = append(events, event)
			}
			e.state = StateRunning
		}

		equity := e.marketValue(row)
		point := EquityPoint{
			Date:   date,
			Equity: equity,
			Return: equity.Sub(e.cfg.InitialCapital).Div(e.cfg.InitialCapital).InexactFloat64(),
		}
		curve = append(curve, point)

		if e.deps.Progress != nil {
			e.deps.Progress(point)
		}
	}

	e.state = StateCompleted

	result := &Result{
		Config:      e.cfg,
		EquityCurve: curve,
		Events:      events,
		Metrics:     ComputeMetrics(e.cfg, curve, events),
	}

	e.logger.WithFields(map[string]interface{}{
		"trading_days": len(curve),
		"rebalances":   len(events),
		"final_equity": curve[len(curve)-1].Equity.String(),
	}).Info("Backtest completed")

	return result, nil
}

// trigger decides whether this row rebalances and why. The first trading
// day is always a scheduled rebalance.
func (e *Engine) trigger(row int, date time.Time) (TriggerKind, bool) {
	if e.lastScheduled.IsZero() {
		return TriggerScheduled, true
	}
	if crossedBoundary(e.cfg.Frequency, e.lastScheduled, date) {
		return TriggerScheduled, true
	}
	if e.cfg.RebalanceThreshold > 0 && e.lastTargets != nil {
		if e.drift(row) > e.cfg.RebalanceThreshold {
			return TriggerThreshold, true
		}
	}
	return "", false
}

// drift is the max absolute deviation of the current weights from the
// last target weights.
func (e *Engine) drift(row int) float64 {
	equity := e.marketValue(row)
	if equity.IsZero() {
		return 0
	}
	eq := equity.InexactFloat64()

	maxDev := 0.0
	seen := make(map[string]bool, len(e.holdings))
	for ticker, shares := range e.holdings {
		price, _, ok := e.prices.LastKnown(ticker, row)
		if !ok {
			continue
		}
		w := float64(shares) * price / eq
		dev := math.Abs(w - e.lastTargets[ticker])
		if dev > maxDev {
			maxDev = dev
		}
		seen[ticker] = true
	}
	for ticker, target := range e.lastTargets {
		if !seen[ticker] && target > maxDev {
			maxDev = target
		}
	}
	return maxDev
}

// rebalance runs the decision pipeline at one row. A universe with zero
// eligible assets is an expected sparse-data condition: the period is
// skipped without an event rather than failing the run.
func (e *Engine) rebalance(ctx context.Context, row int, trigger TriggerKind) (RebalanceEvent, bool, error) {
	date := e.prices.Date(row)

	signal, err := e.deps.Gate.Evaluate(ctx, date)
	if err != nil {
		return RebalanceEvent{}, false, fmt.Errorf("regime gate at %s: %w", date.Format("2006-01-02"), err)
	}

	var mask eligibility.Mask
	if e.cfg.PITEnabled {
		mask = e.elig.Eligible(e.returns, row)
	} else {
		mask = eligibility.AllEligible(e.returns)
	}

	if trigger == TriggerScheduled {
		e.lastScheduled = date
	}

	if mask.Count() == 0 {
		e.logger.WithField("date", date.Format("2006-01-02")).Warn("No eligible assets, skipping rebalance")
		return RebalanceEvent{}, false, nil
	}

	candidates, err := e.deps.Preselector.Select(ctx, e.returns, row, mask)
	if err != nil {
		return RebalanceEvent{}, false, fmt.Errorf("preselect at %s: %w", date.Format("2006-01-02"), err)
	}

	decision, nextState := e.deps.Policy.Apply(candidates, e.policyState)

	window := e.returns.Window(row-e.cfg.Lookback, row)
	weights, err := e.deps.Strategy.Construct(ctx, window, decision.Members)
	if err != nil {
		return RebalanceEvent{}, false, fmt.Errorf("strategy at %s: %w", date.Format("2006-01-02"), err)
	}

	if signal.Exposure != 1.0 {
		for t := range weights {
			weights[t] *= signal.Exposure
		}
	}

	event, err := e.execute(row, trigger, decision, weights)
	if err != nil {
		return RebalanceEvent{}, false, err
	}

	e.policyState = nextState
	e.lastTargets = weights

	return event, true, nil
}

// execute sizes and prices the trades that move holdings to the target
// weights. Sells run before buys so proceeds fund purchases; within each
// side tickers execute in ascending order for determinism.
func (e *Engine) execute(row int, trigger TriggerKind, decision membership.Decision, weights map[string]float64) (RebalanceEvent, error) {
	date := e.prices.Date(row)
	preValue := e.marketValue(row)
	cashBefore := e.cash

	targets := make(map[string]int64, len(weights))
	for ticker, weight := range weights {
		price, ok := e.prices.Value(ticker, row)
		if !ok || price <= 0 {
			// No tradable price today; leave the slot in cash.
			continue
		}
		shares := preValue.Mul(decimal.NewFromFloat(weight)).
			Div(decimal.NewFromFloat(price)).
			IntPart()
		if shares > 0 {
			targets[ticker] = shares
		}
	}

	var sells, buys []string
	deltas := make(map[string]int64)
	for ticker, held := range e.holdings {
		delta := targets[ticker] - held
		if delta < 0 {
			if _, ok := e.prices.Value(ticker, row); !ok {
				continue // cannot trade without a price
			}
			deltas[ticker] = delta
			sells = append(sells, ticker)
		}
	}
	for ticker, target := range targets {
		delta := target - e.holdings[ticker]
		if delta > 0 {
			deltas[ticker] = delta
			buys = append(buys, ticker)
		}
	}
	sort.Strings(sells)
	sort.Strings(buys)

	// The membership estimate cannot see intra-member weight drift, so
	// the turnover cap also binds on planned traded value. Trades are
	// scaled back proportionally; funding an empty book is exempt.
	if lim := e.deps.Policy.Limits(); lim.Enabled && lim.MaxTurnover > 0 && len(e.holdings) > 0 {
		if frac := e.tradedFraction(deltas, row, preValue); frac > lim.MaxTurnover {
			scale := lim.MaxTurnover / frac
			for ticker := range deltas {
				deltas[ticker] = int64(float64(deltas[ticker]) * scale)
			}
			sells = dropZeroDeltas(sells, deltas)
			buys = dropZeroDeltas(buys, deltas)
			e.logger.WithFields(map[string]interface{}{
				"date":    date.Format("2006-01-02"),
				"planned": frac,
				"cap":     lim.MaxTurnover,
			}).Debug("Trades scaled to turnover cap")
		}
	}

	trades := make(map[string]int64)
	totalCost := decimal.Zero

	for _, ticker := range sells {
		shares := -deltas[ticker]
		price, _ := e.prices.Value(ticker, row)
		cost, err := e.costs.Calculate(ticker, shares, price, false)
		if err != nil {
			return RebalanceEvent{}, err
		}
		value := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(shares))
		e.cash = e.cash.Add(value).Sub(cost)
		e.holdings[ticker] -= shares
		if e.holdings[ticker] == 0 {
			delete(e.holdings, ticker)
		}
		trades[ticker] = -shares
		totalCost = totalCost.Add(cost)
	}

	for _, ticker := range buys {
		shares := deltas[ticker]
		price, _ := e.prices.Value(ticker, row)

		// Trim to what cash can fund, costs included.
		for shares > 0 {
			cost, err := e.costs.Calculate(ticker, shares, price, true)
			if err != nil {
				return RebalanceEvent{}, err
			}
			value := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(shares))
			if value.Add(cost).LessThanOrEqual(e.cash) {
				e.cash = e.cash.Sub(value).Sub(cost)
				e.holdings[ticker] += shares
				trades[ticker] = shares
				totalCost = totalCost.Add(cost)
				break
			}
			shares--
		}
	}

	event := RebalanceEvent{
		Date:             date,
		Trigger:          trigger,
		Trades:           trades,
		TotalCost:        totalCost,
		PreValue:         preValue,
		PostValue:        e.marketValue(row),
		CashBefore:       cashBefore,
		CashAfter:        e.cash,
		Added:            decision.Added,
		Removed:          decision.Removed,
		Turnover:         decision.Turnover,
		RealizedTurnover: e.tradedFraction(trades, row, preValue),
	}

	e.logger.WithFields(map[string]interface{}{
		"date":    date.Format("2006-01-02"),
		"trigger": string(trigger),
		"trades":  len(trades),
		"cost":    totalCost.String(),
	}).Debug("Rebalance executed")

	return event, nil
}

// tradedFraction values a set of signed share deltas at the row's
// prices and divides by twice the pre-trade equity. A full one-for-one
// member swap on an equal-weight book scores 1/top_k, matching the
// membership estimate's scale.
func (e *Engine) tradedFraction(deltas map[string]int64, row int, preValue decimal.Decimal) float64 {
	if preValue.IsZero() {
		return 0
	}
	total := 0.0
	for ticker, delta := range deltas {
		price, ok := e.prices.Value(ticker, row)
		if !ok {
			continue
		}
		if delta < 0 {
			delta = -delta
		}
		total += float64(delta) * price
	}
	return total / (2 * preValue.InexactFloat64())
}

func dropZeroDeltas(tickers []string, deltas map[string]int64) []string {
	out := tickers[:0]
	for _, t := range tickers {
		if deltas[t] != 0 {
			out = append(out, t)
		}
	}
	return out
}

// marketValue marks the portfolio to market at a row: cash plus the
// last-known price of every held asset. Assets with no known price are
// excluded from the valuation, not treated as zero.
func (e *Engine) marketValue(row int) decimal.Decimal {
	value := e.cash
	for ticker, shares := range e.holdings {
		price, _, ok := e.prices.LastKnown(ticker, row)
		if !ok {
			continue
		}
		value = value.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(shares)))
	}
	return value
}

// crossedBoundary reports whether the scheduled cadence boundary lies
// between two trading dates.
func crossedBoundary(freq Frequency, prev, curr time.Time) bool {
	switch freq {
	case FrequencyDaily:
		return !sameDay(prev, curr)
	case FrequencyWeekly:
		py, pw := prev.ISOWeek()
		cy, cw := curr.ISOWeek()
		return py != cy || pw != cw
	case FrequencyMonthly:
		return prev.Year() != curr.Year() || prev.Month() != curr.Month()
	case FrequencyQuarterly:
		return prev.Year() != curr.Year() || quarter(prev) != quarter(curr)
	default:
		return false
	}
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func quarter(t time.Time) int {
	return (int(t.Month()) - 1) / 3
}
