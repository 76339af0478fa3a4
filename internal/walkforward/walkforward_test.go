package walkforward

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/walkforward/internal/broker"
	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/internal/metrics"
	"github.com/atlas-desktop/walkforward/internal/paramgrid"
	"github.com/atlas-desktop/walkforward/internal/regimefilter"
	"github.com/atlas-desktop/walkforward/internal/strategy"
	"github.com/atlas-desktop/walkforward/pkg/bar"
)

// oscillatingBars produces a slow sine-wave price series so SMA crossovers
// actually fire, giving the run real trades to aggregate rather than a
// flat zero-trade series.
func oscillatingBars(n int) []bar.Bar {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]bar.Bar, n)
	for i := 0; i < n; i++ {
		price := 100 + 10*math.Sin(float64(i)/15.0)
		p := decimal.NewFromFloat(price)
		bars[i] = bar.Bar{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      p,
			High:      p.Add(decimal.NewFromFloat(0.5)),
			Low:       p.Sub(decimal.NewFromFloat(0.5)),
			Close:     p,
			Volume:    decimal.NewFromFloat(1000),
		}
	}
	return bars
}

func TestRunProducesOrderedBucketsWithAggregates(t *testing.T) {
	bars := oscillatingBars(400)
	lib := indicators.New(zap.NewNop())
	registry := regimefilter.NewRegistry()

	cfg := Config{
		Symbol:       "BTC/USDT",
		Timeframe:    "1d",
		Start:        bars[0].Timestamp,
		End:          bars[len(bars)-1].Timestamp,
		PeriodSpecs:  []string{"150D/30D"},
		FitnessNames: []string{"net_profit", "sharpe_ratio"},
		FilterNames:  nil,
		ParamRanges: []paramgrid.Range{
			{Name: "fast_period", Start: 5, End: 10, Step: 5},
			{Name: "slow_period", Start: 20, End: 20, Step: 5},
		},
		Broker:      broker.DefaultConfig(decimal.NewFromFloat(10000)),
		GridWorkers: 4,
	}

	result, err := Run(context.Background(), zap.NewNop(), cfg, bars, lib, registry, func() strategy.Strategy {
		return strategy.NewSMACross()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Buckets) != 2 {
		t.Fatalf("expected 2 buckets (one per fitness, baseline filter), got %d", len(result.Buckets))
	}

	for _, b := range result.Buckets {
		if len(b.Windows) == 0 {
			t.Errorf("bucket %+v: expected at least one window", b.Key)
		}
		if b.TotalWindows != len(b.Windows) {
			t.Errorf("bucket %+v: TotalWindows mismatch", b.Key)
		}
		if b.SuccessfulWindows+b.FailedWindows != b.TotalWindows {
			t.Errorf("bucket %+v: successful+failed != total", b.Key)
		}
		if math.IsNaN(b.CompoundedReturnPct) || math.IsNaN(b.AverageReturnPct) {
			t.Errorf("bucket %+v: aggregate returns must never be NaN", b.Key)
		}
	}

	// Buckets must be sorted by (period, fitness, filter).
	for i := 1; i < len(result.Buckets); i++ {
		prev, cur := result.Buckets[i-1].Key, result.Buckets[i].Key
		if prev.Fitness > cur.Fitness {
			t.Errorf("buckets not sorted: %+v before %+v", prev, cur)
		}
	}
}

// Three windows returning +10%, +5%, -2%: the aggregate return compounds to
// (1.10 * 1.05 * 0.98 - 1) * 100 while net profit sums in dollars.
func TestComputeAggregatesCompoundsReturnsAndSumsProfit(t *testing.T) {
	b := &Bucket{Windows: []WindowResult{
		{OOSMetrics: &metrics.Metrics{TotalReturnPct: 10, NetProfit: decimal.NewFromFloat(1000)}},
		{OOSMetrics: &metrics.Metrics{TotalReturnPct: 5, NetProfit: decimal.NewFromFloat(550)}},
		{OOSMetrics: &metrics.Metrics{TotalReturnPct: -2, NetProfit: decimal.NewFromFloat(-231)}},
	}}
	computeAggregates(b)

	want := (1.10*1.05*0.98 - 1) * 100
	if math.Abs(b.CompoundedReturnPct-want) > 1e-9 {
		t.Fatalf("compounded return = %v, want %v", b.CompoundedReturnPct, want)
	}
	if !b.TotalNetProfit.Equal(decimal.NewFromFloat(1319)) {
		t.Fatalf("total net profit = %s, want 1319", b.TotalNetProfit)
	}
	wantAvg := (10.0 + 5 - 2) / 3
	if math.Abs(b.AverageReturnPct-wantAvg) > 1e-9 {
		t.Fatalf("average return = %v, want %v", b.AverageReturnPct, wantAvg)
	}
	if b.SuccessfulWindows != 3 || b.FailedWindows != 0 || b.TotalWindows != 3 {
		t.Fatalf("window counts wrong: %+v", b)
	}
}

// Errored windows count as failed and are excluded from return aggregation.
func TestComputeAggregatesSkipsFailedWindows(t *testing.T) {
	b := &Bucket{Windows: []WindowResult{
		{OOSMetrics: &metrics.Metrics{TotalReturnPct: 10, NetProfit: decimal.NewFromFloat(1000)}},
		{Err: context.DeadlineExceeded},
	}}
	computeAggregates(b)

	if b.SuccessfulWindows != 1 || b.FailedWindows != 1 {
		t.Fatalf("expected 1 successful + 1 failed, got %+v", b)
	}
	if math.Abs(b.CompoundedReturnPct-10) > 1e-9 {
		t.Fatalf("compounded return should only cover successful windows, got %v", b.CompoundedReturnPct)
	}
}

// Walk-forward efficiency is OOS return over IS return when the in-sample
// return is positive, and pinned to zero otherwise.
func TestWalkforwardEfficiencyRule(t *testing.T) {
	bars := oscillatingBars(400)
	lib := indicators.New(zap.NewNop())
	registry := regimefilter.NewRegistry()

	cfg := Config{
		Symbol:       "BTC/USDT",
		Timeframe:    "1d",
		Start:        bars[0].Timestamp,
		End:          bars[len(bars)-1].Timestamp,
		PeriodSpecs:  []string{"150D/50D"},
		FitnessNames: []string{"net_profit"},
		ParamRanges: []paramgrid.Range{
			{Name: "fast_period", Start: 5, End: 5, Step: 1},
			{Name: "slow_period", Start: 20, End: 20, Step: 1},
		},
		Broker:      broker.DefaultConfig(decimal.NewFromFloat(10000)),
		GridWorkers: 2,
	}

	result, err := Run(context.Background(), zap.NewNop(), cfg, bars, lib, registry, func() strategy.Strategy {
		return strategy.NewSMACross()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, b := range result.Buckets {
		for _, w := range b.Windows {
			if w.Err != nil || w.OOSMetrics == nil || w.ISMetrics == nil {
				continue
			}
			if w.ISMetrics.TotalReturnPct > 0 {
				want := w.OOSMetrics.TotalReturnPct / w.ISMetrics.TotalReturnPct
				if math.Abs(w.OOSMetrics.WalkforwardEfficiency-want) > 1e-9 {
					t.Errorf("window %d: efficiency = %v, want %v", w.WindowIndex, w.OOSMetrics.WalkforwardEfficiency, want)
				}
			} else if w.OOSMetrics.WalkforwardEfficiency != 0 {
				t.Errorf("window %d: efficiency should be 0 when IS return <= 0, got %v", w.WindowIndex, w.OOSMetrics.WalkforwardEfficiency)
			}
		}
	}
}

// Filtered ledgers are always subsets of the unfiltered ledger, and adding
// a constraint never adds trades back.
func TestFilterTradesIsMonotonic(t *testing.T) {
	bars := oscillatingBars(60)
	labels := make([]regimefilter.Label, len(bars))
	for i := range labels {
		switch i % 3 {
		case 0:
			labels[i] = regimefilter.LabelLow
		case 1:
			labels[i] = regimefilter.LabelNormal
		default:
			labels[i] = regimefilter.LabelHigh
		}
	}
	labelsByClassifier := map[string][]regimefilter.Label{"volatility_regime_atr": labels}

	trades := make([]broker.Trade, 0, len(bars))
	for i := 0; i < len(bars)-1; i++ {
		trades = append(trades, broker.Trade{EntryTime: bars[i].Timestamp, ExitTime: bars[i+1].Timestamp})
	}

	baseline := filterTrades(trades, bars, labelsByClassifier, regimefilter.Config{})
	if len(baseline) != len(trades) {
		t.Fatalf("baseline config must keep every trade, got %d of %d", len(baseline), len(trades))
	}

	union := 0
	for _, label := range []regimefilter.Label{regimefilter.LabelHigh, regimefilter.LabelNormal, regimefilter.LabelLow} {
		kept := filterTrades(trades, bars, labelsByClassifier, regimefilter.Config{"volatility_regime_atr": label})
		if len(kept) > len(trades) {
			t.Fatalf("filtered ledger larger than baseline for label %q", label)
		}
		union += len(kept)
	}
	if union != len(trades) {
		t.Fatalf("single-label ledgers should partition the baseline: union %d != %d", union, len(trades))
	}
}
