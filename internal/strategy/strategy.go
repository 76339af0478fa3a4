// Package strategy defines the opaque strategy contract the broker
// simulator drives bar-by-bar, and a name -> factory registry for
// selecting a concrete strategy at construction time.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/pkg/bar"
)

// Order is the narrow order-submission handle a strategy is given each bar;
// it may request at most one action per bar (the broker enforces at most
// one open position, so a strategy never needs to submit more than one
// order per call).
type Order struct {
	Side OrderSide
}

// OrderSide is buy or sell.
type OrderSide int

const (
	NoOrder OrderSide = iota
	Buy
	Sell
)

// BarView exposes the current bar index and tagged column access into the
// enriched table (pkg/bar.Table), replacing the duck-typed "data object
// carrying arbitrary columns" pattern with name lookups into the table.
// An unknown column is reported as an error by Table.Column when it is
// read, never as a silent zero; it is not checked before the first read.
type BarView struct {
	table *bar.Table
	index int
}

// NewBarView wraps a table at a given row index.
func NewBarView(table *bar.Table, index int) BarView {
	return BarView{table: table, index: index}
}

// Index returns the current bar's position in the table.
func (v BarView) Index() int { return v.index }

// Bar returns the current OHLCV bar.
func (v BarView) Bar() bar.Bar { return v.table.Bars[v.index] }

// Column returns the value of a named indicator/external column at the
// current bar. Returns an error if the column was never computed (the
// strategy asked for a column it never declared).
func (v BarView) Column(name string) (float64, error) {
	col, err := v.table.Column(name)
	if err != nil {
		return 0, err
	}
	return col[v.index], nil
}

// ColumnAt returns a named column's value at an arbitrary row <= the
// current index. Strategies must never be able to read a future row, so
// callers (the broker) only ever construct a BarView for the bar being
// processed and strategies may look back via this accessor but not forward.
func (v BarView) ColumnAt(name string, row int) (float64, error) {
	if row > v.index {
		return 0, fmt.Errorf("strategy: attempted lookahead read of column %q at row %d from bar %d", name, row, v.index)
	}
	col, err := v.table.Column(name)
	if err != nil {
		return 0, err
	}
	return col[row], nil
}

// DataSource is an external, out-of-band series a strategy wants aligned
// onto the bar table: an identifier used as its output column's name, and
// a Fetch function returning raw (timestamp, value) observations for a
// date range. Forward-fill/back-fill/zero-fill alignment onto the bar
// series' own timestamps is the enrichment layer's job, not the data
// source's.
type DataSource struct {
	ID    string
	Fetch func(start, end time.Time) ([]Observation, error)
}

// Observation is one raw external-series sample before alignment.
type Observation struct {
	Timestamp time.Time
	Value     float64
}

// Strategy is the opaque callable contract the broker simulator drives.
// Per the "duck-typed data object -> tagged access" design note, a
// strategy's indicator and data-source requirements are declared once
// (pure functions of its parameters) and resolved by the enrichment layer
// before any bar is processed; OnBar only ever sees already-materialized
// columns.
type Strategy interface {
	Name() string
	SetParameters(params map[string]float64) error
	DeclaredIndicators() []indicators.Spec
	// DeclaredDataSources returns the external providers this strategy
	// wants merged onto its bar table. A strategy that needs none returns
	// nil and the bar table passes through that enrichment step unchanged.
	DeclaredDataSources() []DataSource
	// OnBar is invoked once per non-warm-up bar and returns at most one
	// order intent (NoOrder if the strategy takes no action this bar).
	OnBar(view BarView) (Order, error)
	Reset()
}

// Factory constructs a fresh Strategy instance; registries hold one Factory
// per strategy name so that parallel workers can each build their own
// instance rather than sharing mutable strategy state.
type Factory func() Strategy

// Registry is a process-wide, init-once name->factory table. Workers
// construct their own Strategy instances from it; there is no shared
// mutable strategy state across workers.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Factory
}

// NewRegistry constructs a registry pre-populated with the built-in
// strategies.
func NewRegistry() *Registry {
	r := &Registry{items: make(map[string]Factory)}
	r.Register("sma_cross", func() Strategy { return NewSMACross() })
	r.Register("rsi_threshold", func() Strategy { return NewRSIThreshold() })
	return r
}

// Register adds a factory under name, overwriting any prior registration.
// Indicator registration, by contrast, is collision-rejecting: indicators
// are process-wide singletons, while strategies are construction-time
// selections a caller may legitimately want to override.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = factory
}

// Create builds a new Strategy instance by name.
func (r *Registry) Create(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.items[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// List returns all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	return names
}
