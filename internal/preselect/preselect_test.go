package preselect

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jc1122/portfolio-management-sub002/internal/eligibility"
	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/internal/statcache"
)

func testTable(t *testing.T, cols map[string][]float64, n int) *marketdata.Table {
	t.Helper()
	dates := make([]time.Time, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range dates {
		dates[i] = base.AddDate(0, 0, i)
	}
	table, err := marketdata.NewTable(dates, cols)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table
}

func allOf(table *marketdata.Table) eligibility.Mask {
	return eligibility.AllEligible(table)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Method: MethodMomentum, TopK: 5, Lookback: 20}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []Config{
		{Method: "BOGUS", TopK: 5, Lookback: 20},
		{Method: MethodMomentum, TopK: 0, Lookback: 20},
		{Method: MethodMomentum, TopK: 5, Lookback: 0},
		{Method: MethodMomentum, TopK: 5, Lookback: 20, Skip: -1},
		{Method: MethodCombined, TopK: 5, Lookback: 20, MomentumWeight: 0.7, LowVolWeight: 0.7},
	}
	for i, c := range cases {
		var cfgErr *ConfigError
		if err := c.Validate(); !errors.As(err, &cfgErr) {
			t.Errorf("case %d: expected ConfigError, got %v", i, err)
		}
	}
}

func TestSelectMomentum(t *testing.T) {
	// UP compounds +1% a day, DOWN loses 1% a day, FLAT does nothing.
	table := testTable(t, map[string][]float64{
		"UP":   {0.01, 0.01, 0.01, 0.01, 0.01},
		"DOWN": {-0.01, -0.01, -0.01, -0.01, -0.01},
		"FLAT": {0, 0, 0, 0, 0},
	}, 5)

	p, err := New(Config{Method: MethodMomentum, TopK: 2, Lookback: 4, Skip: 0}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := p.Select(context.Background(), table, 4, allOf(table))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Ticker != "UP" || got[1].Ticker != "FLAT" {
		t.Errorf("expected [UP FLAT], got [%s %s]", got[0].Ticker, got[1].Ticker)
	}

	wantUp := math.Pow(1.01, 4) - 1
	if math.Abs(got[0].Score-wantUp) > 1e-12 {
		t.Errorf("UP score: expected %v, got %v", wantUp, got[0].Score)
	}
}

func TestSelectMomentumSkip(t *testing.T) {
	// The most recent period is a huge reversal; skip=1 must exclude it.
	table := testTable(t, map[string][]float64{
		"A": {0.02, 0.02, 0.02, -0.50, 0},
		"B": {0.01, 0.01, 0.01, 0.50, 0},
	}, 5)

	p, err := New(Config{Method: MethodMomentum, TopK: 2, Lookback: 3, Skip: 1}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := p.Select(context.Background(), table, 4, allOf(table))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	if got[0].Ticker != "A" {
		t.Errorf("skip must hide the reversal, expected A first, got %s", got[0].Ticker)
	}
}

func TestSelectTieBreakAscendingTicker(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"ZED": {0.01, 0.01, 0.01},
		"ABE": {0.01, 0.01, 0.01},
		"MID": {0.01, 0.01, 0.01},
	}, 3)

	p, err := New(Config{Method: MethodMomentum, TopK: 3, Lookback: 2, Skip: 0}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := p.Select(context.Background(), table, 2, allOf(table))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	want := []string{"ABE", "MID", "ZED"}
	for i, w := range want {
		if got[i].Ticker != w {
			t.Errorf("position %d: expected %s, got %s", i, w, got[i].Ticker)
		}
	}
}

func TestSelectLowVol(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"CALM": {0.001, -0.001, 0.001, -0.001, 0.001},
		"WILD": {0.05, -0.05, 0.05, -0.05, 0.05},
	}, 5)

	p, err := New(Config{Method: MethodLowVol, TopK: 1, Lookback: 4}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := p.Select(context.Background(), table, 4, allOf(table))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	if len(got) != 1 || got[0].Ticker != "CALM" {
		t.Errorf("expected CALM, got %v", got)
	}
	if got[0].Score >= 0 {
		t.Errorf("low-vol score is negative volatility, got %v", got[0].Score)
	}
}

func TestSelectCombined(t *testing.T) {
	// STRONG has high momentum and low vol, so it must rank first under
	// any positive weighting of the two factors.
	table := testTable(t, map[string][]float64{
		"STRONG": {0.01, 0.01, 0.01, 0.01, 0.01},
		"SHAKY":  {0.06, -0.05, 0.06, -0.05, 0.02},
		"WEAK":   {-0.01, -0.01, -0.01, -0.01, -0.01},
	}, 5)

	p, err := New(Config{
		Method:         MethodCombined,
		TopK:           3,
		Lookback:       4,
		MomentumWeight: 0.5,
		LowVolWeight:   0.5,
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := p.Select(context.Background(), table, 4, allOf(table))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	if got[0].Ticker != "STRONG" {
		t.Errorf("expected STRONG first, got %s", got[0].Ticker)
	}
}

func TestSelectInsufficientLookback(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.01, 0.01, 0.01},
	}, 3)

	p, err := New(Config{Method: MethodMomentum, TopK: 1, Lookback: 10}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var dataErr *InsufficientDataError
	_, err = p.Select(context.Background(), table, 2, allOf(table))
	if !errors.As(err, &dataErr) {
		t.Errorf("expected InsufficientDataError, got %v", err)
	}
}

func TestSelectEmptyMask(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.01, 0.01, 0.01},
	}, 3)

	p, err := New(Config{Method: MethodMomentum, TopK: 1, Lookback: 2}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var dataErr *InsufficientDataError
	_, err = p.Select(context.Background(), table, 2, eligibility.Mask{"A": false})
	if !errors.As(err, &dataErr) {
		t.Errorf("expected InsufficientDataError, got %v", err)
	}
}

func TestSelectUsesFactorCache(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.01, 0.02, 0.01, 0.02},
		"B": {0.02, 0.01, 0.02, 0.01},
	}, 4)

	store, err := statcache.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	factors := statcache.NewFactorCache(store, 0, nil)

	p, err := New(Config{Method: MethodMomentum, TopK: 2, Lookback: 3}, nil, factors, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	first, err := p.Select(ctx, table, 3, allOf(table))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	second, err := p.Select(ctx, table, 3, allOf(table))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	hits, misses := factors.Counters()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", hits, misses)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("cached selection diverged at %d: %v vs %v", i, first[i], second[i])
		}
	}
}
