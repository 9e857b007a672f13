package marketdata

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Table is a date-indexed matrix of per-ticker observations (prices or
// returns). Dates are strictly ascending, tickers are sorted, and missing
// observations are stored as NaN. A Table is immutable after construction.
type Table struct {
	dates   []time.Time
	tickers []string
	cols    map[string][]float64
}

// NewTable builds a table from per-ticker columns. Every column must have
// exactly one value per date; use math.NaN() for missing observations.
func NewTable(dates []time.Time, cols map[string][]float64) (*Table, error) {
	if len(dates) == 0 {
		return nil, fmt.Errorf("table requires at least one date")
	}
	for i := 1; i < len(dates); i++ {
		if !dates[i].After(dates[i-1]) {
			return nil, fmt.Errorf("dates must be strictly ascending at index %d", i)
		}
	}

	tickers := make([]string, 0, len(cols))
	copied := make(map[string][]float64, len(cols))
	for ticker, col := range cols {
		if len(col) != len(dates) {
			return nil, fmt.Errorf("column %s has %d values, want %d", ticker, len(col), len(dates))
		}
		c := make([]float64, len(col))
		copy(c, col)
		copied[ticker] = c
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	d := make([]time.Time, len(dates))
	copy(d, dates)

	return &Table{dates: d, tickers: tickers, cols: copied}, nil
}

// Dates returns the ascending date index.
func (t *Table) Dates() []time.Time {
	return t.dates
}

// Tickers returns the sorted ticker universe.
func (t *Table) Tickers() []string {
	return t.tickers
}

// NumRows returns the number of dates.
func (t *Table) NumRows() int {
	return len(t.dates)
}

// Date returns the date at row.
func (t *Table) Date(row int) time.Time {
	return t.dates[row]
}

// Value returns the observation for ticker at row. The boolean is false
// for unknown tickers and missing (NaN) observations.
func (t *Table) Value(ticker string, row int) (float64, bool) {
	col, ok := t.cols[ticker]
	if !ok || row < 0 || row >= len(col) {
		return 0, false
	}
	v := col[row]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// LastKnown returns the most recent valid observation for ticker at or
// before row, together with the row it was observed at.
func (t *Table) LastKnown(ticker string, row int) (float64, int, bool) {
	col, ok := t.cols[ticker]
	if !ok {
		return 0, 0, false
	}
	if row >= len(col) {
		row = len(col) - 1
	}
	for i := row; i >= 0; i-- {
		if !math.IsNaN(col[i]) {
			return col[i], i, true
		}
	}
	return 0, 0, false
}

// IndexOf returns the row of the exact date, or -1.
func (t *Table) IndexOf(date time.Time) int {
	i := sort.Search(len(t.dates), func(i int) bool { return !t.dates[i].Before(date) })
	if i < len(t.dates) && t.dates[i].Equal(date) {
		return i
	}
	return -1
}

// IndexOnOrAfter returns the first row whose date is >= date, or -1 when
// no such row exists.
func (t *Table) IndexOnOrAfter(date time.Time) int {
	i := sort.Search(len(t.dates), func(i int) bool { return !t.dates[i].Before(date) })
	if i == len(t.dates) {
		return -1
	}
	return i
}

// Covers reports whether the table's date index spans [start, end].
func (t *Table) Covers(start, end time.Time) bool {
	if len(t.dates) == 0 {
		return false
	}
	return !t.dates[0].After(start) && !t.dates[len(t.dates)-1].Before(end)
}

// Window returns a view of rows [start, end) over all tickers.
func (t *Table) Window(start, end int) Window {
	return Window{table: t, start: start, end: end, tickers: t.tickers}
}

// column returns the raw backing column. Internal to the package; callers
// outside go through Window views.
func (t *Table) column(ticker string) []float64 {
	return t.cols[ticker]
}
