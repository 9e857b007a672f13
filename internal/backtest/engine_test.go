package backtest

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/internal/membership"
	"github.com/jc1122/portfolio-management-sub002/internal/preselect"
	"github.com/jc1122/portfolio-management-sub002/internal/strategy"
)

func testDates(n int) []time.Time {
	out := make([]time.Time, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = base.AddDate(0, 0, i)
	}
	return out
}

func priceTables(t *testing.T, cols map[string][]float64, n int) (*marketdata.Table, *marketdata.Table) {
	t.Helper()
	prices, err := marketdata.NewTable(testDates(n), cols)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	returns, err := marketdata.Returns(prices)
	if err != nil {
		t.Fatalf("Returns failed: %v", err)
	}
	return prices, returns
}

func testDeps(t *testing.T, topK int) Deps {
	t.Helper()
	pre, err := preselect.New(preselect.Config{
		Method:   preselect.MethodMomentum,
		TopK:     topK,
		Lookback: 3,
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("preselect.New failed: %v", err)
	}
	pol, err := membership.New(membership.Config{Enabled: true, TopK: topK}, nil)
	if err != nil {
		t.Fatalf("membership.New failed: %v", err)
	}
	strat, err := strategy.New(strategy.KindEqualWeight, strategy.Constraints{MaxWeight: 1}, nil, nil)
	if err != nil {
		t.Fatalf("strategy.New failed: %v", err)
	}
	return Deps{Preselector: pre, Policy: pol, Strategy: strat}
}

func baseConfig(dates []time.Time, startRow, endRow int) Config {
	return Config{
		StartDate:      dates[startRow],
		EndDate:        dates[endRow],
		InitialCapital: decimal.NewFromInt(10_000),
		Frequency:      FrequencyMonthly,
		Lookback:       3,
		MinHistory:     2,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 100, 100, 100, 100},
	}, 5)

	cfg := baseConfig(testDates(5), 3, 4)
	cfg.Frequency = "FORTNIGHTLY"

	var cfgErr *ConfigurationError
	_, err := New(cfg, prices, returns, testDeps(t, 1))
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 100, 100, 100, 100},
	}, 5)

	cfg := baseConfig(testDates(5), 3, 4)

	var cfgErr *ConfigurationError
	_, err := New(cfg, prices, returns, Deps{})
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError for missing deps, got %v", err)
	}
}

func TestNewInsufficientHistory(t *testing.T) {
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 100, 100, 100, 100},
	}, 5)
	dates := testDates(5)

	// Start on the second row: fewer warmup rows than the lookback needs.
	cfg := baseConfig(dates, 1, 4)

	var histErr *InsufficientHistoryError
	_, err := New(cfg, prices, returns, testDeps(t, 1))
	if !errors.As(err, &histErr) {
		t.Errorf("expected InsufficientHistoryError, got %v", err)
	}

	// Dates outside the series entirely.
	cfg = baseConfig(dates, 3, 4)
	cfg.EndDate = dates[4].AddDate(0, 1, 0)
	_, err = New(cfg, prices, returns, testDeps(t, 1))
	if !errors.As(err, &histErr) {
		t.Errorf("expected InsufficientHistoryError for uncovered span, got %v", err)
	}
}

func TestRunFirstDayRebalance(t *testing.T) {
	dates := testDates(10)
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 100, 100, 100, 100, 100, 100, 100, 100, 100},
		"B": {50, 50, 50, 50, 50, 50, 50, 50, 50, 50},
	}, 10)

	cfg := baseConfig(dates, 4, 9)
	eng, err := New(cfg, prices, returns, testDeps(t, 2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if eng.State() != StateInitialized {
		t.Errorf("expected INITIALIZED, got %s", eng.State())
	}

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if eng.State() != StateCompleted {
		t.Errorf("expected COMPLETED, got %s", eng.State())
	}

	if len(result.EquityCurve) != 6 {
		t.Fatalf("expected 6 trading days, got %d", len(result.EquityCurve))
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected exactly 1 rebalance for a single month, got %d", len(result.Events))
	}

	ev := result.Events[0]
	if !ev.Date.Equal(dates[4]) {
		t.Errorf("first rebalance must land on the start date, got %s", ev.Date)
	}
	if ev.Trigger != TriggerScheduled {
		t.Errorf("expected SCHEDULED, got %s", ev.Trigger)
	}

	// Equal weight of 10000 over flat prices: 50 A and 100 B, no cash left.
	want := map[string]int64{"A": 50, "B": 100}
	if !reflect.DeepEqual(ev.Trades, want) {
		t.Errorf("expected trades %v, got %v", want, ev.Trades)
	}
	if !ev.CashAfter.IsZero() {
		t.Errorf("expected zero cash after, got %s", ev.CashAfter)
	}

	// Flat prices, zero costs: equity stays at the initial capital.
	for i, p := range result.EquityCurve {
		if !p.Equity.Equal(decimal.NewFromInt(10_000)) {
			t.Errorf("day %d: expected equity 10000, got %s", i, p.Equity)
		}
	}
}

func TestRunValuationIdentity(t *testing.T) {
	dates := testDates(10)
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 101, 102, 103, 104, 105, 106, 107, 108, 109},
		"B": {50, 51, 50, 52, 51, 53, 52, 54, 53, 55},
	}, 10)

	cfg := baseConfig(dates, 4, 9)
	cfg.CommissionPct = 0.001
	cfg.CommissionMin = 1
	cfg.SlippageBps = 5

	eng, err := New(cfg, prices, returns, testDeps(t, 2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, ev := range result.Events {
		// Post value equals pre value minus the costs paid: shares moved
		// between cash and positions at the same marks.
		diff := ev.PreValue.Sub(ev.PostValue)
		if !diff.Equal(ev.TotalCost) {
			t.Errorf("event %s: pre-post gap %s != cost %s", ev.Date, diff, ev.TotalCost)
		}
		if ev.TotalCost.IsNegative() {
			t.Errorf("event %s: negative cost", ev.Date)
		}
	}
}

func TestRunThresholdTrigger(t *testing.T) {
	dates := testDates(10)
	// A doubles the day after the first rebalance, drifting the book
	// far past the threshold.
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 100, 100, 100, 100, 200, 200, 200, 200, 200},
		"B": {50, 50, 50, 50, 50, 50, 50, 50, 50, 50},
	}, 10)

	cfg := baseConfig(dates, 4, 9)
	cfg.RebalanceThreshold = 0.10

	eng, err := New(cfg, prices, returns, testDeps(t, 2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Events) < 2 {
		t.Fatalf("expected a threshold rebalance after the jump, got %d events", len(result.Events))
	}
	second := result.Events[1]
	if second.Trigger != TriggerThreshold {
		t.Errorf("expected THRESHOLD, got %s", second.Trigger)
	}
	if !second.Date.Equal(dates[5]) {
		t.Errorf("expected threshold rebalance on the jump day, got %s", second.Date)
	}
}

func TestRunTurnoverGuard(t *testing.T) {
	dates := testDates(35)
	// A quintuples right on the February boundary. Membership is
	// unchanged, so the count estimate is 0, but restoring equal weight
	// would trade a third of the book.
	colA := make([]float64, 35)
	colB := make([]float64, 35)
	for i := range colA {
		colA[i] = 100
		colB[i] = 100
		if i >= 31 {
			colA[i] = 500
		}
	}
	prices, returns := priceTables(t, map[string][]float64{"A": colA, "B": colB}, 35)

	deps := testDeps(t, 2)
	pol, err := membership.New(membership.Config{Enabled: true, TopK: 2, MaxTurnover: 0.1}, nil)
	if err != nil {
		t.Fatalf("membership.New failed: %v", err)
	}
	deps.Policy = pol

	eng, err := New(baseConfig(dates, 4, 34), prices, returns, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Events) != 2 {
		t.Fatalf("expected 2 scheduled rebalances, got %d", len(result.Events))
	}

	// The funding rebalance deploys the full book despite the cap.
	first := result.Events[0]
	want := map[string]int64{"A": 50, "B": 50}
	if !reflect.DeepEqual(first.Trades, want) {
		t.Errorf("funding trades: expected %v, got %v", want, first.Trades)
	}

	// The February rebalance would trade 20000 of a 30000 book
	// (fraction 1/3); the cap scales it back to 0.1.
	second := result.Events[1]
	if !second.Date.Equal(dates[31]) {
		t.Errorf("expected rebalance on %s, got %s", dates[31], second.Date)
	}
	want = map[string]int64{"A": -6, "B": 30}
	if !reflect.DeepEqual(second.Trades, want) {
		t.Errorf("scaled trades: expected %v, got %v", want, second.Trades)
	}
	if second.RealizedTurnover > 0.1+1e-9 {
		t.Errorf("realized turnover %v exceeds cap 0.1", second.RealizedTurnover)
	}
	if second.RealizedTurnover < 0.09 {
		t.Errorf("expected realized turnover near the cap, got %v", second.RealizedTurnover)
	}
	if second.Turnover != 0 {
		t.Errorf("membership estimate must be 0 for an unchanged set, got %v", second.Turnover)
	}
}

func TestRunSkipsWhenNothingEligible(t *testing.T) {
	nan := math.NaN()
	dates := testDates(10)
	// Both assets stop trading at row 3; by the start row their last
	// observation is far beyond the gap.
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 100, 100, nan, nan, nan, nan, nan, nan, nan},
		"B": {50, 50, 50, nan, nan, nan, nan, nan, nan, nan},
	}, 10)

	cfg := baseConfig(dates, 6, 9)
	cfg.Lookback = 2
	cfg.MinHistory = 1
	cfg.MaxGap = 1
	cfg.PITEnabled = true

	eng, err := New(cfg, prices, returns, testDeps(t, 2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Events) != 0 {
		t.Errorf("expected no events with nothing eligible, got %d", len(result.Events))
	}
	for _, p := range result.EquityCurve {
		if !p.Equity.Equal(decimal.NewFromInt(10_000)) {
			t.Errorf("all-cash book must hold its value, got %s", p.Equity)
		}
	}
}

func TestRunDeterministic(t *testing.T) {
	dates := testDates(10)
	cols := map[string][]float64{
		"A": {100, 101, 99, 103, 102, 105, 104, 107, 106, 109},
		"B": {50, 49, 51, 50, 52, 51, 53, 52, 54, 53},
		"C": {200, 202, 198, 204, 200, 206, 202, 208, 204, 210},
	}
	cfg := baseConfig(dates, 4, 9)
	cfg.CommissionPct = 0.001
	cfg.SlippageBps = 5

	run := func() *Result {
		prices, returns := priceTables(t, cols, 10)
		eng, err := New(cfg, prices, returns, testDeps(t, 2))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		result, err := eng.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return result
	}

	first := run()
	second := run()

	if !reflect.DeepEqual(first.EquityCurve, second.EquityCurve) {
		t.Error("equity curves differ between identical runs")
	}
	if !reflect.DeepEqual(first.Events, second.Events) {
		t.Error("event logs differ between identical runs")
	}
}

func TestRunOnlyOnce(t *testing.T) {
	dates := testDates(6)
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 100, 100, 100, 100, 100},
	}, 6)

	eng, err := New(baseConfig(dates, 4, 5), prices, returns, testDeps(t, 1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if _, err := eng.Run(context.Background()); err == nil {
		t.Error("second Run must fail")
	}
}

func TestRunProgressCallback(t *testing.T) {
	dates := testDates(8)
	prices, returns := priceTables(t, map[string][]float64{
		"A": {100, 100, 100, 100, 100, 100, 100, 100},
	}, 8)

	deps := testDeps(t, 1)
	var seen int
	deps.Progress = func(EquityPoint) { seen++ }

	eng, err := New(baseConfig(dates, 4, 7), prices, returns, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if seen != len(result.EquityCurve) {
		t.Errorf("progress fired %d times for %d points", seen, len(result.EquityCurve))
	}
}

func TestCrossedBoundary(t *testing.T) {
	mon := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		freq Frequency
		prev time.Time
		curr time.Time
		want bool
	}{
		{FrequencyDaily, mon, mon, false},
		{FrequencyDaily, mon, mon.AddDate(0, 0, 1), true},
		{FrequencyWeekly, mon, mon.AddDate(0, 0, 4), false},
		{FrequencyWeekly, mon, mon.AddDate(0, 0, 7), true},
		{FrequencyMonthly, mon, mon.AddDate(0, 0, 20), false},
		{FrequencyMonthly, mon, mon.AddDate(0, 1, 0), true},
		{FrequencyQuarterly, mon, mon.AddDate(0, 2, 0), false},
		{FrequencyQuarterly, mon, mon.AddDate(0, 3, 0), true},
	}
	for _, c := range cases {
		if got := crossedBoundary(c.freq, c.prev, c.curr); got != c.want {
			t.Errorf("%s %s -> %s: expected %v, got %v",
				c.freq, c.prev.Format("2006-01-02"), c.curr.Format("2006-01-02"), c.want, got)
		}
	}
}
