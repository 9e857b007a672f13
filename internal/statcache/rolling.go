package statcache

import (
	"math"
	"sync/atomic"

	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// Stats holds per-window summary statistics aligned with the window's
// sorted ticker set.
type Stats struct {
	Tickers []string    `json:"tickers"`
	Mean    []float64   `json:"mean"`
	Cov     [][]float64 `json:"cov"`
}

// Var returns the variance of the ticker at index i.
func (s *Stats) Var(i int) float64 {
	return s.Cov[i][i]
}

// RollingCache memoizes the statistics of the single most recent window.
// Rebalances walk strictly increasing, mostly overlapping windows, so a
// depth of one entry captures every repeated lookup within a rebalance
// while keeping invalidation trivial: any fingerprint change evicts.
//
// A RollingCache must not be shared across concurrently running
// backtests; each run owns its own instance.
type RollingCache struct {
	fp     marketdata.Fingerprint
	stats  *Stats
	valid  bool
	hits   atomic.Uint64
	misses atomic.Uint64
	logger *logger.Logger
}

// NewRollingCache creates an empty cache.
func NewRollingCache(log *logger.Logger) *RollingCache {
	if log == nil {
		log = logger.NewNop()
	}
	return &RollingCache{logger: log}
}

// Statistics returns the mean vector and covariance matrix for the
// window, computing them at most once per unique fingerprint. Cached and
// freshly computed results are identical: the cached value is the stored
// output of the same computation, never an approximation.
func (c *RollingCache) Statistics(w marketdata.Window) *Stats {
	fp := w.Fingerprint()
	if c.valid && c.fp == fp {
		c.hits.Add(1)
		return c.stats
	}

	c.misses.Add(1)
	c.stats = Compute(w)
	c.fp = fp
	c.valid = true

	c.logger.WithFields(map[string]interface{}{
		"window": fp.String(),
	}).Debug("Rolling statistics computed")

	return c.stats
}

// Invalidate drops the cached entry.
func (c *RollingCache) Invalidate() {
	c.valid = false
	c.stats = nil
}

// Counters returns the accumulated hit and miss counts.
func (c *RollingCache) Counters() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Compute calculates the mean vector and sample covariance matrix of a
// window directly, ignoring missing (NaN) observations pairwise.
func Compute(w marketdata.Window) *Stats {
	tickers := w.Tickers()
	n := len(tickers)

	cols := make([][]float64, n)
	for i, t := range tickers {
		cols[i] = w.Column(t)
	}

	mean := make([]float64, n)
	for i := range cols {
		sum, cnt := 0.0, 0
		for _, v := range cols[i] {
			if !math.IsNaN(v) {
				sum += v
				cnt++
			}
		}
		if cnt > 0 {
			mean[i] = sum / float64(cnt)
		}
	}

	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sum, cnt := 0.0, 0
			for r := 0; r < w.Rows(); r++ {
				vi, vj := cols[i][r], cols[j][r]
				if math.IsNaN(vi) || math.IsNaN(vj) {
					continue
				}
				sum += (vi - mean[i]) * (vj - mean[j])
				cnt++
			}
			if cnt > 1 {
				cov[i][j] = sum / float64(cnt-1)
				cov[j][i] = cov[i][j]
			}
		}
	}

	return &Stats{Tickers: tickers, Mean: mean, Cov: cov}
}
