// Package walkforward is the top-level orchestrator: for one (symbol,
// timeframe), it rolls every requested period spec's windows across the
// bar series, runs the in-sample grid search and an out-of-sample
// evaluation per window, and aggregates results into (period, fitness,
// filter) buckets.
package walkforward

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/walkforward/internal/broker"
	"github.com/atlas-desktop/walkforward/internal/enrich"
	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/internal/metrics"
	"github.com/atlas-desktop/walkforward/internal/optimizer"
	"github.com/atlas-desktop/walkforward/internal/paramgrid"
	"github.com/atlas-desktop/walkforward/internal/regimefilter"
	"github.com/atlas-desktop/walkforward/internal/strategy"
	"github.com/atlas-desktop/walkforward/internal/walkwindow"
	"github.com/atlas-desktop/walkforward/pkg/bar"
)

// Config binds everything one (symbol, timeframe) walk-forward run needs.
type Config struct {
	Symbol       string
	Timeframe    string
	Start        time.Time
	End          time.Time
	PeriodSpecs  []string
	FitnessNames []string
	FilterNames  []string
	ParamRanges  []paramgrid.Range
	Broker       broker.Config
	GridWorkers  int

	// OnWindowDone, when set, is invoked after each window's out-of-sample
	// evaluation completes, success or failure. Best-effort progress
	// reporting only; implementations must not block.
	OnWindowDone func(WindowEvent)
}

// WindowEvent is a progress notification for one completed window.
type WindowEvent struct {
	Symbol       string  `json:"symbol"`
	Timeframe    string  `json:"timeframe"`
	PeriodSpec   string  `json:"period"`
	Fitness      string  `json:"fitness"`
	Filter       string  `json:"filter_config"`
	WindowIndex  int     `json:"window_index"`
	Succeeded    bool    `json:"succeeded"`
	OOSReturnPct float64 `json:"oos_return_pct"`
}

// WindowResult is one window's outcome within a bucket.
type WindowResult struct {
	WindowIndex int
	BestParams  paramgrid.Combination
	ISMetrics   *metrics.Metrics
	OOSMetrics  *metrics.Metrics
	OptTime     time.Duration
	Err         error
}

// BucketKey identifies a (period spec, fitness function, filter
// configuration) result bucket.
type BucketKey struct {
	PeriodSpec string
	Fitness    string
	Filter     string
}

// Bucket aggregates every window evaluated under one BucketKey.
type Bucket struct {
	Key                 BucketKey
	Windows             []WindowResult
	TotalNetProfit      decimal.Decimal
	CompoundedReturnPct float64
	AverageReturnPct    float64
	TotalWindows        int
	SuccessfulWindows   int
	FailedWindows       int
	WallClock           time.Duration
}

// Result is the flat list of result buckets a run produces.
type Result struct {
	Buckets []Bucket
}

// Run executes the full walk-forward loop for one (symbol, timeframe).
func Run(ctx context.Context, logger *zap.Logger, cfg Config, bars []bar.Bar, lib *indicators.Library, registry *regimefilter.Registry, newStrategy func() strategy.Strategy) (*Result, error) {
	series := sliceByDate(bars, cfg.Start, cfg.End)
	if len(series) < 2 {
		return &Result{}, nil
	}

	labelsByClassifier, err := regimefilter.Labels(registry, cfg.FilterNames, series)
	if err != nil {
		return nil, fmt.Errorf("walkforward: regime labels: %w", err)
	}

	filterConfigs := regimefilter.Configurations(cfg.FilterNames)
	barDuration := series[1].Timestamp.Sub(series[0].Timestamp)

	grid, err := paramgrid.NewGrid(cfg.ParamRanges)
	if err != nil {
		return nil, fmt.Errorf("walkforward: parameter grid: %w", err)
	}
	combos := grid.Combinations()
	gridMaxParam := maxAcross(combos)

	buckets := make(map[BucketKey]*Bucket)
	var bucketOrder []BucketKey

	for _, filterCfg := range filterConfigs {
		for _, periodSpecStr := range cfg.PeriodSpecs {
			spec, err := walkwindow.ParseSpec(periodSpecStr)
			if err != nil {
				return nil, fmt.Errorf("walkforward: period spec %q: %w", periodSpecStr, err)
			}

			barCounter := func(from, to time.Time) int {
				return len(sliceByDate(series, from, to))
			}
			windows := walkwindow.Generate(spec, cfg.Start, cfg.End, barCounter)

			periodStart := time.Now()
			for _, fitnessName := range cfg.FitnessNames {
				key := BucketKey{PeriodSpec: periodSpecStr, Fitness: fitnessName, Filter: filterCfg.String()}
				if _, exists := buckets[key]; !exists {
					buckets[key] = &Bucket{Key: key}
					bucketOrder = append(bucketOrder, key)
				}
			}

			for windowIdx, w := range windows {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
				}

				isWarmup := optimizer.WarmupExtension(gridMaxParam, barDuration)
				isStart := clampToSeriesStart(w.ISStart.Add(-isWarmup), series)
				isBars := sliceByDate(series, isStart, w.ISEnd)

				optStart := time.Now()
				evals := evaluateCombos(ctx, combos, cfg.GridWorkers, func(params paramgrid.Combination) (*metrics.Metrics, error) {
					m, _, _, err := runWindow(logger, lib, newStrategy(), params, cfg, isBars, w.ISStart, w.ISEnd)
					return m, err
				})
				optTime := time.Since(optStart)

				for _, fitnessName := range cfg.FitnessNames {
					fitnessFn, err := optimizer.Fitness(fitnessName)
					if err != nil {
						return nil, err
					}
					key := BucketKey{PeriodSpec: periodSpecStr, Fitness: fitnessName, Filter: filterCfg.String()}
					bucket := buckets[key]

					wr := processWindow(logger, lib, newStrategy, cfg, series, labelsByClassifier, filterCfg, barDuration, w, windowIdx, evals, fitnessFn, optTime)
					bucket.Windows = append(bucket.Windows, wr)

					if cfg.OnWindowDone != nil {
						ev := WindowEvent{
							Symbol:      cfg.Symbol,
							Timeframe:   cfg.Timeframe,
							PeriodSpec:  periodSpecStr,
							Fitness:     fitnessName,
							Filter:      filterCfg.String(),
							WindowIndex: windowIdx,
						}
						if wr.Err == nil && wr.OOSMetrics != nil {
							ev.Succeeded = true
							ev.OOSReturnPct = wr.OOSMetrics.TotalReturnPct
						}
						cfg.OnWindowDone(ev)
					}
				}
			}

			for _, fitnessName := range cfg.FitnessNames {
				key := BucketKey{PeriodSpec: periodSpecStr, Fitness: fitnessName, Filter: filterCfg.String()}
				bucket := buckets[key]
				computeAggregates(bucket)
				bucket.WallClock = time.Since(periodStart)
			}
		}
	}

	sort.Slice(bucketOrder, func(i, j int) bool {
		a, b := bucketOrder[i], bucketOrder[j]
		if a.PeriodSpec != b.PeriodSpec {
			return a.PeriodSpec < b.PeriodSpec
		}
		if a.Fitness != b.Fitness {
			return a.Fitness < b.Fitness
		}
		return a.Filter < b.Filter
	})

	result := &Result{}
	for _, key := range bucketOrder {
		result.Buckets = append(result.Buckets, *buckets[key])
	}
	return result, nil
}

// processWindow picks the best in-sample assignment for one fitness
// function from the already-evaluated combos, runs the out-of-sample
// slice with it, applies the filter configuration to the OOS ledger, and
// computes walk-forward efficiency.
func processWindow(
	logger *zap.Logger,
	lib *indicators.Library,
	newStrategy func() strategy.Strategy,
	cfg Config,
	series []bar.Bar,
	labelsByClassifier map[string][]regimefilter.Label,
	filterCfg regimefilter.Config,
	barDuration time.Duration,
	w walkwindow.Window,
	windowIdx int,
	evals []evalOutcome,
	fitnessFn optimizer.FitnessFunc,
	optTime time.Duration,
) WindowResult {
	wr := WindowResult{WindowIndex: windowIdx, OptTime: optTime}

	best := bestOf(evals, fitnessFn)
	if best == nil {
		wr.Err = fmt.Errorf("walkforward: window %d: no successful in-sample evaluation", windowIdx)
		return wr
	}
	wr.BestParams = best.params
	wr.ISMetrics = best.metrics

	oosWarmup := optimizer.WarmupExtension(maxAcross([]paramgrid.Combination{best.params}), barDuration)
	oosStart := clampToSeriesStart(w.OOSStart.Add(-oosWarmup), series)
	oosBars := sliceByDate(series, oosStart, w.OOSEnd)

	oosMetrics, oosTrades, oosEquity, err := runWindow(logger, lib, newStrategy(), best.params, cfg, oosBars, w.OOSStart, w.OOSEnd)
	if err != nil {
		wr.Err = err
		return wr
	}

	if len(filterCfg) > 0 {
		filtered := filterTrades(oosTrades, series, labelsByClassifier, filterCfg)
		oosMetrics = metrics.Calculate(filtered, oosEquity, cfg.Broker.InitialCapital, w.OOSStart, w.OOSEnd)
	}

	if best.metrics.TotalReturnPct > 0 {
		oosMetrics.WalkforwardEfficiency = oosMetrics.TotalReturnPct / best.metrics.TotalReturnPct
	} else {
		oosMetrics.WalkforwardEfficiency = 0
	}
	wr.OOSMetrics = oosMetrics
	return wr
}

// evalOutcome is one parameter combination's in-sample evaluation result.
type evalOutcome struct {
	params  paramgrid.Combination
	metrics *metrics.Metrics
	err     error
}

// evaluateCombos runs `run` over every combination bounded to `workers`
// concurrent goroutines, preserving combos' original order in the returned
// slice so later fitness scoring is reproducible regardless of goroutine
// completion order.
func evaluateCombos(ctx context.Context, combos []paramgrid.Combination, workers int, run func(paramgrid.Combination) (*metrics.Metrics, error)) []evalOutcome {
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	out := make([]evalOutcome, len(combos))

	var wg sync.WaitGroup
	for i, combo := range combos {
		wg.Add(1)
		go func(i int, params paramgrid.Combination) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				out[i] = evalOutcome{params: params, err: ctx.Err()}
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			m, err := run(params)
			out[i] = evalOutcome{params: params, metrics: m, err: err}
		}(i, combo)
	}
	wg.Wait()
	return out
}

// bestOf picks the highest-scoring evaluation, breaking ties by first-seen
// order (evals' original index order).
func bestOf(evals []evalOutcome, fitness optimizer.FitnessFunc) *evalOutcome {
	var best *evalOutcome
	bestScore := math.Inf(-1)
	for i := range evals {
		e := &evals[i]
		if e.err != nil || e.metrics == nil {
			continue
		}
		score := fitness(e.metrics)
		if score > bestScore {
			bestScore = score
			best = e
		}
	}
	return best
}

// runWindow runs enrich -> broker -> metrics over one bar slice with one
// parameter assignment.
func runWindow(logger *zap.Logger, lib *indicators.Library, strat strategy.Strategy, params paramgrid.Combination, cfg Config, bars []bar.Bar, start, end time.Time) (*metrics.Metrics, []broker.Trade, []broker.EquityPoint, error) {
	if len(bars) == 0 {
		return metrics.Calculate(nil, nil, cfg.Broker.InitialCapital, start, end), nil, nil, nil
	}

	table, err := enrich.Prepare(bars, lib, strat, params, cfg.Symbol)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("runWindow: enrich: %w", err)
	}

	b := broker.New(logger, cfg.Broker)
	res, err := b.Run(table, strat, requiredColumns(strat))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("runWindow: broker: %w", err)
	}

	m := metrics.Calculate(res.Trades, res.Equity, cfg.Broker.InitialCapital, start, end)
	return m, res.Trades, res.Equity, nil
}

func requiredColumns(strat strategy.Strategy) []string {
	specs := strat.DeclaredIndicators()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.OutputName
	}
	return names
}

// filterTrades keeps only trades whose entry bar matches filterCfg's
// labels. The equity curve is never refiltered: only the trade-ledger-
// derived statistics change.
func filterTrades(trades []broker.Trade, series []bar.Bar, labelsByClassifier map[string][]regimefilter.Label, filterCfg regimefilter.Config) []broker.Trade {
	var out []broker.Trade
	for _, t := range trades {
		idx := indexAtOrAfter(series, t.EntryTime)
		if idx < len(series) && regimefilter.Matches(filterCfg, labelsByClassifier, idx) {
			out = append(out, t)
		}
	}
	return out
}

// computeAggregates fills in a bucket's summary statistics over its
// window results.
func computeAggregates(b *Bucket) {
	var totalNetProfit decimal.Decimal
	compounded := 1.0
	var sumReturnPct float64
	successful, failed := 0, 0

	for _, w := range b.Windows {
		if w.Err != nil || w.OOSMetrics == nil {
			failed++
			continue
		}
		successful++
		totalNetProfit = totalNetProfit.Add(w.OOSMetrics.NetProfit)
		compounded *= 1 + w.OOSMetrics.TotalReturnPct/100
		sumReturnPct += w.OOSMetrics.TotalReturnPct
	}

	b.TotalNetProfit = totalNetProfit
	b.CompoundedReturnPct = (compounded - 1) * 100
	if successful > 0 {
		b.AverageReturnPct = sumReturnPct / float64(successful)
	}
	b.TotalWindows = len(b.Windows)
	b.SuccessfulWindows = successful
	b.FailedWindows = failed
}

// maxAcross returns the largest numeric parameter value appearing in any
// combination, used to size the indicator warm-up extension.
func maxAcross(combos []paramgrid.Combination) float64 {
	max := 0.0
	for _, c := range combos {
		for _, v := range c {
			if v > max {
				max = v
			}
		}
	}
	return max
}

func clampToSeriesStart(t time.Time, series []bar.Bar) time.Time {
	if len(series) == 0 {
		return t
	}
	if t.Before(series[0].Timestamp) {
		return series[0].Timestamp
	}
	return t
}

// sliceByDate returns the contiguous run of bars in [start, end).
func sliceByDate(bars []bar.Bar, start, end time.Time) []bar.Bar {
	lo := indexAtOrAfter(bars, start)
	hi := indexAtOrAfter(bars, end)
	if lo >= hi || lo >= len(bars) {
		return nil
	}
	return bars[lo:hi]
}

// indexAtOrAfter returns the index of the first bar with Timestamp >= ts,
// or len(bars) if none qualifies. Mirrors bar.Table.IndexAtOrAfter for the
// raw []bar.Bar slices this package works with before enrichment.
func indexAtOrAfter(bars []bar.Bar, ts time.Time) int {
	lo, hi := 0, len(bars)
	for lo < hi {
		mid := (lo + hi) / 2
		if bars[mid].Timestamp.Before(ts) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
