package marketdata

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// BarRecord is the on-disk Parquet schema for daily bars. One file per
// ticker under <dir>/<TICKER>.parquet.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// LoadPrices reads every per-ticker parquet file under dir and assembles
// a close-price table over the union of observed dates. Tickers with no
// observation on a date get NaN.
func LoadPrices(dir string) (*Table, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read price archive %s: %w", dir, err)
	}

	series := make(map[string]map[time.Time]float64)
	dateSet := make(map[time.Time]struct{})

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
			continue
		}
		ticker := strings.TrimSuffix(e.Name(), ".parquet")

		records, err := parquet.ReadFile[BarRecord](filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read bars for %s: %w", ticker, err)
		}

		byDate := make(map[time.Time]float64, len(records))
		for _, r := range records {
			d := time.UnixMilli(r.Timestamp).UTC().Truncate(24 * time.Hour)
			byDate[d] = r.Close
			dateSet[d] = struct{}{}
		}
		series[ticker] = byDate
	}

	if len(series) == 0 {
		return nil, fmt.Errorf("no parquet files found in %s", dir)
	}

	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	cols := make(map[string][]float64, len(series))
	for ticker, byDate := range series {
		col := make([]float64, len(dates))
		for i, d := range dates {
			if v, ok := byDate[d]; ok {
				col[i] = v
			} else {
				col[i] = math.NaN()
			}
		}
		cols[ticker] = col
	}

	return NewTable(dates, cols)
}

// WriteBars writes bars for a single ticker, replacing the existing file.
// Used by tests and the archive refresh tooling.
func WriteBars(dir, ticker string, records []BarRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, ticker+".parquet")
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("write bars for %s: %w", ticker, err)
	}
	return nil
}

// Returns derives simple percentage returns from a price table. The first
// row of the result is NaN for every ticker, as is any return whose
// either endpoint is missing.
func Returns(prices *Table) (*Table, error) {
	cols := make(map[string][]float64, len(prices.tickers))
	n := prices.NumRows()

	for _, ticker := range prices.tickers {
		src := prices.column(ticker)
		col := make([]float64, n)
		col[0] = math.NaN()
		for i := 1; i < n; i++ {
			prev, curr := src[i-1], src[i]
			if math.IsNaN(prev) || math.IsNaN(curr) || prev == 0 {
				col[i] = math.NaN()
				continue
			}
			col[i] = curr/prev - 1
		}
		cols[ticker] = col
	}

	return NewTable(prices.dates, cols)
}
