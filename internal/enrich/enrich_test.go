package enrich

import (
	"testing"
	"time"

	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/internal/strategy"
	"github.com/atlas-desktop/walkforward/pkg/bar"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func sampleBars(n int) []bar.Bar {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]bar.Bar, n)
	for i := 0; i < n; i++ {
		price := decimal.NewFromFloat(100.0 + float64(i))
		bars[i] = bar.Bar{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      price,
			High:      price.Add(decimal.NewFromFloat(1)),
			Low:       price.Sub(decimal.NewFromFloat(1)),
			Close:     price,
			Volume:    decimal.NewFromFloat(1000),
		}
	}
	return bars
}

func TestPrepareJoinsDeclaredIndicators(t *testing.T) {
	bars := sampleBars(40)
	lib := indicators.New(zap.NewNop())
	strat := strategy.NewSMACross()

	table, err := Prepare(bars, lib, strat, map[string]float64{"fast_period": 5, "slow_period": 10}, "BTC/USDT")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !table.HasColumn("SMA_5") || !table.HasColumn("SMA_10") {
		t.Fatalf("expected SMA_5 and SMA_10 columns, got %v", table.ColumnNames())
	}
	if table.Len() != len(bars) {
		t.Fatalf("expected %d rows, got %d", len(bars), table.Len())
	}
}

type fakeDataSourceStrategy struct {
	*strategy.SMACross
	source strategy.DataSource
}

func (f *fakeDataSourceStrategy) DeclaredDataSources() []strategy.DataSource {
	return []strategy.DataSource{f.source}
}

func TestAttachDataSourceAlignsForwardFillsAndBackFills(t *testing.T) {
	bars := sampleBars(10)
	lib := indicators.New(zap.NewNop())

	obs := []strategy.Observation{
		{Timestamp: bars[3].Timestamp, Value: 42},
		{Timestamp: bars[6].Timestamp, Value: 99},
	}
	strat := &fakeDataSourceStrategy{
		SMACross: strategy.NewSMACross(),
		source: strategy.DataSource{
			ID: "ext",
			Fetch: func(start, end time.Time) ([]strategy.Observation, error) {
				return obs, nil
			},
		},
	}

	table, err := Prepare(bars, lib, strat, map[string]float64{"fast_period": 2, "slow_period": 4}, "BTC/USDT")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	col, err := table.Column("ext")
	if err != nil {
		t.Fatalf("Column: %v", err)
	}
	// Bars 0-2 precede the first observation: back-filled to 42.
	for i := 0; i <= 2; i++ {
		if col[i] != 42 {
			t.Errorf("bar %d: expected back-filled 42, got %v", i, col[i])
		}
	}
	// Bars 3-5 carry the first observation forward.
	for i := 3; i <= 5; i++ {
		if col[i] != 42 {
			t.Errorf("bar %d: expected forward-filled 42, got %v", i, col[i])
		}
	}
	// Bars 6-9 carry the second observation forward.
	for i := 6; i <= 9; i++ {
		if col[i] != 99 {
			t.Errorf("bar %d: expected forward-filled 99, got %v", i, col[i])
		}
	}
}

func TestAttachDataSourceZeroFillsWhenNoObservations(t *testing.T) {
	bars := sampleBars(5)
	lib := indicators.New(zap.NewNop())
	strat := &fakeDataSourceStrategy{
		SMACross: strategy.NewSMACross(),
		source: strategy.DataSource{
			ID: "ext",
			Fetch: func(start, end time.Time) ([]strategy.Observation, error) {
				return nil, nil
			},
		},
	}
	table, err := Prepare(bars, lib, strat, map[string]float64{"fast_period": 2, "slow_period": 3}, "BTC/USDT")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	col, _ := table.Column("ext")
	for i, v := range col {
		if v != 0 {
			t.Errorf("bar %d: expected zero-filled 0, got %v", i, v)
		}
	}
}
