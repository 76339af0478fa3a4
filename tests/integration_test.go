// Package integration_test provides end-to-end integration tests across the
// cache -> enrichment -> broker -> metrics -> walk-forward pipeline.
package integration_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/walkforward/internal/broker"
	"github.com/atlas-desktop/walkforward/internal/executor"
	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/internal/ohlcv"
	"github.com/atlas-desktop/walkforward/internal/paramgrid"
	"github.com/atlas-desktop/walkforward/internal/regimefilter"
	"github.com/atlas-desktop/walkforward/internal/strategy"
	"github.com/atlas-desktop/walkforward/internal/walkforward"
	"github.com/atlas-desktop/walkforward/pkg/bar"
)

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

// Bars written to the cache come back identical: same count, timestamps to
// the second, and prices/volumes exact under decimal round-tripping.
func TestCacheRoundTrip(t *testing.T) {
	cache, err := ohlcv.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("ohlcv.New: %v", err)
	}

	written := oscillatingBars(50)
	if err := cache.Write("BTC/USDT", "1d", written); err != nil {
		t.Fatalf("Write: %v", err)
	}
	read, err := cache.Read("BTC/USDT", "1d")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(read) != len(written) {
		t.Fatalf("round-trip lost bars: wrote %d, read %d", len(written), len(read))
	}
	for i := range read {
		if !read[i].Timestamp.Equal(written[i].Timestamp) {
			t.Fatalf("bar %d: timestamp %v != %v", i, read[i].Timestamp, written[i].Timestamp)
		}
		if !read[i].Close.Equal(written[i].Close) || !read[i].Volume.Equal(written[i].Volume) {
			t.Fatalf("bar %d: close/volume drifted through the CSV round-trip", i)
		}
	}
}

func wfConfig(bars []bar.Bar, gridWorkers int) walkforward.Config {
	return walkforward.Config{
		Symbol:       "BTC/USDT",
		Timeframe:    "1d",
		Start:        bars[0].Timestamp,
		End:          bars[len(bars)-1].Timestamp,
		PeriodSpecs:  []string{"150D/30D"},
		FitnessNames: []string{"net_profit"},
		ParamRanges: []paramgrid.Range{
			{Name: "fast_period", Start: 5, End: 15, Step: 5},
			{Name: "slow_period", Start: 20, End: 30, Step: 10},
		},
		Broker:      broker.DefaultConfig(decimal.NewFromFloat(10000)),
		GridWorkers: gridWorkers,
	}
}

// The full dispatch path: cached bars feed a walk-forward run per work item,
// missing series downgrade to skipped, and the summary counts reconcile.
func TestExecutorDrivesWalkForwardFromCache(t *testing.T) {
	cache, err := ohlcv.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("ohlcv.New: %v", err)
	}
	if err := cache.Write("BTC/USDT", "1d", oscillatingBars(400)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	registry := regimefilter.NewRegistry()
	items := []executor.WorkItem{
		{Symbol: "BTC/USDT", Timeframe: "1d"},
		{Symbol: "ETH/USDT", Timeframe: "1d"}, // never cached: must be skipped
	}

	exec := executor.New(zap.NewNop(), 2, prometheus.NewRegistry())
	summary := exec.Run(context.Background(), items, func(ctx context.Context, item executor.WorkItem) (any, error) {
		bars, err := cache.Read(item.Symbol, item.Timeframe)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			return nil, &executor.SkipError{Reason: "no cached bars for " + item.String()}
		}
		lib := indicators.New(zap.NewNop())
		return walkforward.Run(ctx, zap.NewNop(), wfConfig(bars, 2), bars, lib, registry, func() strategy.Strategy {
			return strategy.NewSMACross()
		})
	})

	if summary.Successful != 1 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Fatalf("expected 1 success + 1 skip, got %+v", summary)
	}
	for _, outcome := range summary.Outcomes {
		if outcome.Symbol == "BTC/USDT" {
			res, ok := outcome.Result.(*walkforward.Result)
			if !ok || len(res.Buckets) == 0 {
				t.Fatalf("successful outcome should carry walk-forward buckets, got %+v", outcome)
			}
			for _, b := range res.Buckets {
				if b.TotalWindows == 0 {
					t.Errorf("bucket %+v produced no windows", b.Key)
				}
			}
		}
		if outcome.Symbol == "ETH/USDT" && outcome.Status != executor.StatusSkipped {
			t.Errorf("uncached symbol should be skipped, got %q", outcome.Status)
		}
	}
}

// Worker parity: the same grid search with 1 worker and 4 workers selects
// identical best parameters and identical metrics for every window.
func TestGridSearchWorkerParity(t *testing.T) {
	bars := oscillatingBars(400)
	registry := regimefilter.NewRegistry()

	runWith := func(workers int) *walkforward.Result {
		lib := indicators.New(zap.NewNop())
		res, err := walkforward.Run(context.Background(), zap.NewNop(), wfConfig(bars, workers), bars, lib, registry, func() strategy.Strategy {
			return strategy.NewSMACross()
		})
		if err != nil {
			t.Fatalf("Run(workers=%d): %v", workers, err)
		}
		return res
	}

	serial := runWith(1)
	parallel := runWith(4)

	if len(serial.Buckets) != len(parallel.Buckets) {
		t.Fatalf("bucket counts diverge: %d vs %d", len(serial.Buckets), len(parallel.Buckets))
	}
	for i := range serial.Buckets {
		sb, pb := serial.Buckets[i], parallel.Buckets[i]
		if sb.Key != pb.Key {
			t.Fatalf("bucket order diverges: %+v vs %+v", sb.Key, pb.Key)
		}
		if len(sb.Windows) != len(pb.Windows) {
			t.Fatalf("bucket %+v: window counts diverge", sb.Key)
		}
		for j := range sb.Windows {
			sw, pw := sb.Windows[j], pb.Windows[j]
			for name, v := range sw.BestParams {
				if pw.BestParams[name] != v {
					t.Errorf("bucket %+v window %d: best %s diverges (%v vs %v)", sb.Key, j, name, v, pw.BestParams[name])
				}
			}
			if sw.OOSMetrics != nil && pw.OOSMetrics != nil {
				if !sw.OOSMetrics.NetProfit.Equal(pw.OOSMetrics.NetProfit) {
					t.Errorf("bucket %+v window %d: OOS net profit diverges", sb.Key, j)
				}
				if sw.OOSMetrics.MonteCarloScore != pw.OOSMetrics.MonteCarloScore {
					t.Errorf("bucket %+v window %d: Monte Carlo score diverges", sb.Key, j)
				}
			}
		}
	}
}
