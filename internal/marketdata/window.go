package marketdata

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Window is an immutable view over rows [start, end) of a table,
// restricted to a subset of its tickers. Windows are cheap to create and
// are the unit of cache identity.
type Window struct {
	table   *Table
	start   int
	end     int
	tickers []string
}

// Valid reports whether the window bounds lie inside the table.
func (w Window) Valid() bool {
	return w.table != nil && w.start >= 0 && w.end <= w.table.NumRows() && w.start < w.end
}

// Rows returns the number of rows in the view.
func (w Window) Rows() int {
	return w.end - w.start
}

// Tickers returns the sorted tickers covered by the view.
func (w Window) Tickers() []string {
	return w.tickers
}

// FirstDate returns the date of the first row in the view.
func (w Window) FirstDate() time.Time {
	return w.table.dates[w.start]
}

// LastDate returns the date of the last row in the view.
func (w Window) LastDate() time.Time {
	return w.table.dates[w.end-1]
}

// Select returns a view over the same rows restricted to the given
// tickers. Unknown tickers are dropped; the result is sorted.
func (w Window) Select(tickers []string) Window {
	kept := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if _, ok := w.table.cols[t]; ok {
			kept = append(kept, t)
		}
	}
	sort.Strings(kept)
	return Window{table: w.table, start: w.start, end: w.end, tickers: kept}
}

// Column returns the observations for ticker over the view's rows.
// Missing observations are NaN. The returned slice must not be mutated.
func (w Window) Column(ticker string) []float64 {
	col := w.table.column(ticker)
	if col == nil {
		return nil
	}
	return col[w.start:w.end]
}

// Fingerprint identifies a window by shape, column set and index bounds.
// Two windows with equal fingerprints refer to the same slice of data as
// long as the underlying tables are not rebuilt with different contents.
type Fingerprint struct {
	Rows    int
	Cols    int
	First   time.Time
	Last    time.Time
	Columns string // short hash of the sorted column set
}

// Fingerprint computes the window's identity key.
func (w Window) Fingerprint() Fingerprint {
	h := sha256.Sum256([]byte(strings.Join(w.tickers, "\x00")))
	return Fingerprint{
		Rows:    w.Rows(),
		Cols:    len(w.tickers),
		First:   w.FirstDate(),
		Last:    w.LastDate(),
		Columns: hex.EncodeToString(h[:8]),
	}
}

// String renders the fingerprint as a stable cache key.
func (fp Fingerprint) String() string {
	return fmt.Sprintf("%dx%d:%s:%s:%s",
		fp.Rows, fp.Cols,
		fp.First.Format("2006-01-02"),
		fp.Last.Format("2006-01-02"),
		fp.Columns,
	)
}

// ContentKey hashes the window's actual values in addition to its shape.
// Used by the persistent cache tier, where a changed archive must not
// validate against a stale blob.
func (w Window) ContentKey() string {
	h := sha256.New()
	h.Write([]byte(w.Fingerprint().String()))

	buf := make([]byte, 8)
	for _, ticker := range w.tickers {
		h.Write([]byte(ticker))
		for _, v := range w.Column(ticker) {
			binary.BigEndian.PutUint64(buf, math.Float64bits(v))
			h.Write(buf)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
