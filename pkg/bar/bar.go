// Package bar provides the core OHLCV bar series and enriched bar table types
// shared across the cache, indicator, enrichment, and broker layers.
package bar

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV interval. Invariant: Low <= min(Open,Close) <= max(Open,Close) <= High.
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Validate checks the OHLC ordering invariant.
func (b Bar) Validate() error {
	lo := decimal.Min(b.Open, b.Close)
	hi := decimal.Max(b.Open, b.Close)
	if b.Low.GreaterThan(lo) || hi.GreaterThan(b.High) {
		return fmt.Errorf("bar %s violates OHLC ordering: low=%s open=%s close=%s high=%s",
			b.Timestamp.Format(time.RFC3339), b.Low, b.Open, b.Close, b.High)
	}
	return nil
}

// NotComputed is the sentinel written into indicator columns for bars where
// the lookback has not yet stabilized ("warm-up" bars).
var NotComputed = math.NaN()

// IsNotComputed reports whether v is the warm-up sentinel.
func IsNotComputed(v float64) bool { return math.IsNaN(v) }

// Table is a bar series (B) augmented with named float64 columns (E): one
// indicator or external-series output per column, one row per bar. Column
// lookup is by name in a map; an unknown column is an error at lookup time
// (a panic in At), never a silent zero value.
type Table struct {
	Bars    []Bar
	columns map[string][]float64
	order   []string
}

// NewTable wraps a bar series with no extra columns yet.
func NewTable(bars []Bar) *Table {
	return &Table{
		Bars:    bars,
		columns: make(map[string][]float64),
	}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Bars) }

// SetColumn adds or replaces a named column. Panics if the length does not
// match the bar series; this is a construction-time invariant, not a
// runtime one a caller should need to recover from.
func (t *Table) SetColumn(name string, values []float64) {
	if len(values) != len(t.Bars) {
		panic(fmt.Sprintf("bar.Table.SetColumn(%q): length %d != row count %d", name, len(values), len(t.Bars)))
	}
	if _, exists := t.columns[name]; !exists {
		t.order = append(t.order, name)
	}
	t.columns[name] = values
}

// HasColumn reports whether a column has been set.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// Column returns a named column, or an error if it was never set: unknown
// columns are an error, not a silent zero.
func (t *Table) Column(name string) ([]float64, error) {
	col, ok := t.columns[name]
	if !ok {
		return nil, fmt.Errorf("bar.Table: unknown column %q", name)
	}
	return col, nil
}

// At returns the value of a column at row i, or NotComputed if the column
// holds the warm-up sentinel. Panics on an unknown column or out-of-range
// row, both programming errors.
func (t *Table) At(name string, i int) float64 {
	col, err := t.Column(name)
	if err != nil {
		panic(err)
	}
	return col[i]
}

// ColumnNames returns the set columns in the order they were first set.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Slice returns a new Table over rows [start,end), sharing no backing memory
// with the original (columns and bars are copied) so that slices used for
// in-sample/out-of-sample windows cannot alias each other.
func (t *Table) Slice(start, end int) *Table {
	if start < 0 {
		start = 0
	}
	if end > len(t.Bars) {
		end = len(t.Bars)
	}
	if start >= end {
		return NewTable(nil)
	}
	bars := make([]Bar, end-start)
	copy(bars, t.Bars[start:end])
	out := NewTable(bars)
	for _, name := range t.order {
		col := t.columns[name]
		sliced := make([]float64, end-start)
		copy(sliced, col[start:end])
		out.SetColumn(name, sliced)
	}
	return out
}

// IndexAtOrAfter returns the index of the first bar with Timestamp >= ts, or
// len(Bars) if none qualifies. Bars must already be sorted ascending.
func (t *Table) IndexAtOrAfter(ts time.Time) int {
	lo, hi := 0, len(t.Bars)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.Bars[mid].Timestamp.Before(ts) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Fingerprint is the cheap data-identity signature the indicator
// memoization cache keys on: length plus first/last timestamp. Two
// distinct bar series are exceedingly unlikely to collide; an exact
// content hash is not worth the cost at the cache's call frequency.
func Fingerprint(bars []Bar) string {
	if len(bars) == 0 {
		return "empty"
	}
	return fmt.Sprintf("%d_%d_%d", len(bars), bars[0].Timestamp.Unix(), bars[len(bars)-1].Timestamp.Unix())
}
