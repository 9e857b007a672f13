package statcache

import (
	"math"
	"testing"
	"time"

	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
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

func TestComputeMeanAndCovariance(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.01, 0.03, 0.02, 0.04},
		"B": {0.02, 0.06, 0.04, 0.08},
	}, 4)

	stats := Compute(table.Window(0, 4))

	if math.Abs(stats.Mean[0]-0.025) > 1e-12 {
		t.Errorf("mean A: expected 0.025, got %v", stats.Mean[0])
	}
	if math.Abs(stats.Mean[1]-0.05) > 1e-12 {
		t.Errorf("mean B: expected 0.05, got %v", stats.Mean[1])
	}

	// B is exactly 2*A, so var(B) = 4*var(A) and cov(A,B) = 2*var(A).
	varA := stats.Var(0)
	if math.Abs(stats.Var(1)-4*varA) > 1e-12 {
		t.Errorf("var B: expected %v, got %v", 4*varA, stats.Var(1))
	}
	if math.Abs(stats.Cov[0][1]-2*varA) > 1e-12 {
		t.Errorf("cov(A,B): expected %v, got %v", 2*varA, stats.Cov[0][1])
	}
	if stats.Cov[0][1] != stats.Cov[1][0] {
		t.Error("covariance matrix must be symmetric")
	}
}

func TestComputeSkipsMissingPairwise(t *testing.T) {
	nan := math.NaN()
	table := testTable(t, map[string][]float64{
		"A": {0.01, nan, 0.03, 0.05},
		"B": {0.02, 0.04, nan, 0.06},
	}, 4)

	stats := Compute(table.Window(0, 4))

	// A's mean uses its three valid observations.
	if math.Abs(stats.Mean[0]-0.03) > 1e-12 {
		t.Errorf("mean A: expected 0.03, got %v", stats.Mean[0])
	}
	// Values stay finite despite the gaps.
	for i := range stats.Cov {
		for j := range stats.Cov[i] {
			if math.IsNaN(stats.Cov[i][j]) {
				t.Errorf("cov[%d][%d] is NaN", i, j)
			}
		}
	}
}

func TestRollingCacheHitAndMiss(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.01, 0.02, 0.03, 0.04, 0.05},
		"B": {0.05, 0.04, 0.03, 0.02, 0.01},
	}, 5)

	cache := NewRollingCache(nil)
	w := table.Window(0, 3)

	first := cache.Statistics(w)
	second := cache.Statistics(w)

	if first != second {
		t.Error("repeated lookups of the same window must return the cached value")
	}
	hits, misses := cache.Counters()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", hits, misses)
	}
}

func TestRollingCacheEvictsOnNewWindow(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.01, 0.02, 0.03, 0.04, 0.05},
		"B": {0.05, 0.04, 0.03, 0.02, 0.01},
	}, 5)

	cache := NewRollingCache(nil)

	cache.Statistics(table.Window(0, 3))
	cache.Statistics(table.Window(1, 4)) // shifted window, miss
	cache.Statistics(table.Window(0, 3)) // evicted, miss again

	hits, misses := cache.Counters()
	if hits != 0 || misses != 3 {
		t.Errorf("expected 0 hits / 3 misses, got %d / %d", hits, misses)
	}
}

func TestRollingCacheTickerSetChangesKey(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.01, 0.02, 0.03, 0.04},
		"B": {0.04, 0.03, 0.02, 0.01},
	}, 4)

	cache := NewRollingCache(nil)
	w := table.Window(0, 4)

	cache.Statistics(w)
	cache.Statistics(w.Select([]string{"A"}))

	_, misses := cache.Counters()
	if misses != 2 {
		t.Errorf("restricting the ticker set must miss, got %d misses", misses)
	}
}

func TestRollingCacheCachedEqualsFresh(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.013, 0.027, -0.004, 0.018},
		"B": {-0.02, 0.011, 0.007, -0.009},
	}, 4)

	w := table.Window(0, 4)
	cache := NewRollingCache(nil)

	cache.Statistics(w)
	cached := cache.Statistics(w)
	fresh := Compute(w)

	for i := range fresh.Mean {
		if cached.Mean[i] != fresh.Mean[i] {
			t.Errorf("cached mean[%d] diverged", i)
		}
		for j := range fresh.Cov[i] {
			if cached.Cov[i][j] != fresh.Cov[i][j] {
				t.Errorf("cached cov[%d][%d] diverged", i, j)
			}
		}
	}
}

func TestRollingCacheInvalidate(t *testing.T) {
	table := testTable(t, map[string][]float64{
		"A": {0.01, 0.02, 0.03},
	}, 3)

	cache := NewRollingCache(nil)
	w := table.Window(0, 3)

	cache.Statistics(w)
	cache.Invalidate()
	cache.Statistics(w)

	hits, misses := cache.Counters()
	if hits != 0 || misses != 2 {
		t.Errorf("expected 0 hits / 2 misses after invalidation, got %d / %d", hits, misses)
	}
}
