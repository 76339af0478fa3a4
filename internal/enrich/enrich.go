// Package enrich merges OHLCV bars, indicator columns, and aligned
// external series into a single bar.Table.
package enrich

import (
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/internal/strategy"
	"github.com/atlas-desktop/walkforward/pkg/bar"
)

// Prepare computes a strategy's declared indicators and aligns its declared
// external data sources onto the bar series, producing one enriched table.
func Prepare(bars []bar.Bar, lib *indicators.Library, strat strategy.Strategy, params map[string]float64, symbol string) (*bar.Table, error) {
	if err := strat.SetParameters(params); err != nil {
		return nil, fmt.Errorf("enrich: set parameters for %s: %w", symbol, err)
	}

	table := lib.ComputeAll(bars, strat.DeclaredIndicators())

	for _, source := range strat.DeclaredDataSources() {
		if err := attachDataSource(table, bars, source); err != nil {
			return nil, fmt.Errorf("enrich: data source %s: %w", source.ID, err)
		}
	}

	return table, nil
}

// attachDataSource fetches one external provider's observations over the
// bar series' date range, aligns them onto the bar timestamps by
// forward-fill, back-fills any leading nulls, zero-fills anything still
// missing, and sets the result as a column named by the provider's ID.
func attachDataSource(table *bar.Table, bars []bar.Bar, source strategy.DataSource) error {
	if len(bars) == 0 {
		return nil
	}
	obs, err := source.Fetch(bars[0].Timestamp, bars[len(bars)-1].Timestamp)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].Timestamp.Before(obs[j].Timestamp) })

	aligned := forwardFillAlign(bars, obs)
	backFill(aligned)
	zeroFill(aligned)

	table.SetColumn(source.ID, aligned)
	return nil
}

// forwardFillAlign carries each external observation forward until the
// next one, one value per bar timestamp. Bars preceding the first
// observation get NaN (resolved by a later back-fill pass).
func forwardFillAlign(bars []bar.Bar, obs []strategy.Observation) []float64 {
	out := make([]float64, len(bars))
	oi := 0
	current := math.NaN()
	haveCurrent := false
	for i, b := range bars {
		for oi < len(obs) && !obs[oi].Timestamp.After(b.Timestamp) {
			current = obs[oi].Value
			haveCurrent = true
			oi++
		}
		if haveCurrent {
			out[i] = current
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// backFill replaces leading NaNs with the first known value.
func backFill(values []float64) {
	firstKnown := -1
	for i, v := range values {
		if !math.IsNaN(v) {
			firstKnown = i
			break
		}
	}
	if firstKnown <= 0 {
		return
	}
	fill := values[firstKnown]
	for i := 0; i < firstKnown; i++ {
		values[i] = fill
	}
}

// zeroFill replaces any values still NaN (the provider returned no
// observations at all) with 0.
func zeroFill(values []float64) {
	for i, v := range values {
		if math.IsNaN(v) {
			values[i] = 0
		}
	}
}
