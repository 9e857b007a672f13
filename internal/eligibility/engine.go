package eligibility

import (
	"sort"

	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// Config controls point-in-time eligibility.
type Config struct {
	// MinHistory is the number of valid observations an asset must have
	// strictly before the evaluation date.
	MinHistory int

	// MaxGap is the largest tolerated distance, in rows of the date
	// index, between an asset's most recent valid observation and the
	// evaluation date. A larger gap marks the asset as soft-delisted.
	MaxGap int
}

// Mask is a per-ticker eligibility verdict for one evaluation date.
type Mask map[string]bool

// Tickers returns the eligible tickers in ascending order.
func (m Mask) Tickers() []string {
	out := make([]string, 0, len(m))
	for t, ok := range m {
		if ok {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of eligible tickers.
func (m Mask) Count() int {
	n := 0
	for _, ok := range m {
		if ok {
			n++
		}
	}
	return n
}

// Engine computes point-in-time eligibility masks. Only observations at
// rows strictly before the evaluation row are ever consulted, so the
// mask at a date cannot depend on data timestamped at or after it.
type Engine struct {
	cfg    Config
	logger *logger.Logger
}

// New creates an eligibility engine.
func New(cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{cfg: cfg, logger: log}
}

// Eligible evaluates the returns table at the given row. An asset is
// eligible iff it has at least MinHistory valid observations before the
// row and its latest valid observation is no further than MaxGap rows
// back. The same (table, row) pair always yields the same mask.
func (e *Engine) Eligible(returns *marketdata.Table, row int) Mask {
	mask := make(Mask, len(returns.Tickers()))

	for _, ticker := range returns.Tickers() {
		mask[ticker] = e.eligible(returns, ticker, row)
	}

	e.logger.WithFields(map[string]interface{}{
		"date":     returns.Date(row).Format("2006-01-02"),
		"eligible": mask.Count(),
		"universe": len(mask),
	}).Debug("Computed eligibility mask")

	return mask
}

// AllEligible returns a mask accepting every ticker. Used when the
// point-in-time filter is disabled in the backtest config.
func AllEligible(returns *marketdata.Table) Mask {
	mask := make(Mask, len(returns.Tickers()))
	for _, ticker := range returns.Tickers() {
		mask[ticker] = true
	}
	return mask
}

func (e *Engine) eligible(returns *marketdata.Table, ticker string, row int) bool {
	valid := 0
	lastValid := -1

	// Strictly before the evaluation row.
	for i := 0; i < row; i++ {
		if _, ok := returns.Value(ticker, i); ok {
			valid++
			lastValid = i
		}
	}

	if valid < e.cfg.MinHistory {
		return false
	}

	// Soft delisting: the latest observation must be recent enough.
	if e.cfg.MaxGap > 0 && row-1-lastValid > e.cfg.MaxGap {
		return false
	}

	return true
}
