// Package optimizer runs the in-sample grid search for one walk-forward
// window: evaluate every parameter combination in bounded parallel, score
// each with a named fitness function, and keep the best.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/walkforward/internal/metrics"
	"github.com/atlas-desktop/walkforward/internal/paramgrid"
)

// EvaluateFunc runs one parameter combination (typically: enrich, backtest,
// compute metrics) and returns the resulting metrics record.
type EvaluateFunc func(ctx context.Context, params paramgrid.Combination) (*metrics.Metrics, error)

// FitnessFunc scores a metrics record; higher is always better; optimizer
// never needs a minimization mode because the registry pre-negates the
// metrics that should be minimized (max_dd, percent_time_in_market).
type FitnessFunc func(*metrics.Metrics) float64

func ratioOrZero(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// fitnessRegistry holds the built-in fitness functions. An unrecognized
// fitness name is a fatal configuration error (Fitness returns an error
// rather than silently falling back).
var fitnessRegistry = map[string]FitnessFunc{
	"net_profit": func(m *metrics.Metrics) float64 {
		f, _ := m.NetProfit.Float64()
		return f
	},
	"sharpe_ratio":  func(m *metrics.Metrics) float64 { return m.SharpeRatio },
	"sortino_ratio": func(m *metrics.Metrics) float64 { return m.SortinoRatio },
	"max_dd": func(m *metrics.Metrics) float64 {
		f, _ := m.MaxDrawdown.Float64()
		return -f
	},
	"np_avg_dd": func(m *metrics.Metrics) float64 {
		np, _ := m.NetProfit.Float64()
		dd, _ := m.AvgDrawdown.Float64()
		return ratioOrZero(np, dd)
	},
	"np_max_dd": func(m *metrics.Metrics) float64 {
		np, _ := m.NetProfit.Float64()
		dd, _ := m.MaxDrawdown.Float64()
		return ratioOrZero(np, dd)
	},
	"profit_factor":               func(m *metrics.Metrics) float64 { return m.ProfitFactor },
	"percent_trades_profitable":   func(m *metrics.Metrics) float64 { return m.WinRatePct },
	"r_squared":                   func(m *metrics.Metrics) float64 { return m.RSquared },
	"np_x_r2": func(m *metrics.Metrics) float64 {
		np, _ := m.NetProfit.Float64()
		return np * m.RSquared
	},
	"np_x_pf": func(m *metrics.Metrics) float64 {
		np, _ := m.NetProfit.Float64()
		return np * m.ProfitFactor
	},
	"rina_index":         func(m *metrics.Metrics) float64 { return m.RinaIndex },
	"tradestation_index": func(m *metrics.Metrics) float64 { return m.TradeStationIndex },
	"percent_time_in_market": func(m *metrics.Metrics) float64 {
		return -m.PercentTimeInMarket
	},
	"walkforward_efficiency": func(m *metrics.Metrics) float64 { return m.WalkforwardEfficiency },
}

// Fitness looks up a named fitness function. An unknown name is a fatal
// configuration error.
func Fitness(name string) (FitnessFunc, error) {
	f, ok := fitnessRegistry[name]
	if !ok {
		return nil, fmt.Errorf("optimizer: unknown fitness function %q", name)
	}
	return f, nil
}

// FitnessNames returns every registered fitness function name.
func FitnessNames() []string {
	names := make([]string, 0, len(fitnessRegistry))
	for name := range fitnessRegistry {
		names = append(names, name)
	}
	return names
}

// Result is one combination's evaluation outcome.
type Result struct {
	Params  paramgrid.Combination
	Score   float64
	Metrics *metrics.Metrics
}

// GridSearch evaluates every combination in combos through evaluate,
// bounded to `workers` concurrent evaluations, scores each with the named
// fitness function, and returns the best result. Ties are broken by
// first-seen order in combos (the order paramgrid produced them in). A
// combination whose evaluate call errors is surfaced via the returned
// error slice and excluded from scoring, not treated as fatal.
func GridSearch(ctx context.Context, combos []paramgrid.Combination, fitnessName string, workers int, evaluate EvaluateFunc) (*Result, []error, error) {
	fitness, err := Fitness(fitnessName)
	if err != nil {
		return nil, nil, err
	}
	if workers <= 0 {
		workers = 1
	}

	type indexedResult struct {
		idx    int
		result *Result
		err    error
	}

	sem := make(chan struct{}, workers)
	out := make(chan indexedResult, len(combos))

	for i, combo := range combos {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		go func(idx int, params paramgrid.Combination) {
			sem <- struct{}{}
			defer func() { <-sem }()

			m, err := evaluate(ctx, params)
			if err != nil {
				out <- indexedResult{idx: idx, err: err}
				return
			}
			out <- indexedResult{idx: idx, result: &Result{
				Params:  params,
				Score:   fitness(m),
				Metrics: m,
			}}
		}(i, combo)
	}

	results := make([]*Result, len(combos))
	var errs []error
	for range combos {
		r := <-out
		if r.err != nil {
			errs = append(errs, fmt.Errorf("optimizer: combination %d: %w", r.idx, r.err))
			continue
		}
		results[r.idx] = r.result
	}

	var best *Result
	bestScore := math.Inf(-1)
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Score > bestScore {
			bestScore = r.Score
			best = r
		}
	}

	return best, errs, nil
}

// WarmupExtension computes how far before a window's nominal start the
// data must be pre-loaded so every declared indicator is stable by the
// window's first in-sample bar: max_param_value * bar_duration * 1.2.
func WarmupExtension(maxParamValue float64, barDuration time.Duration) time.Duration {
	if maxParamValue <= 0 {
		return 0
	}
	return time.Duration(maxParamValue * 1.2 * float64(barDuration))
}
