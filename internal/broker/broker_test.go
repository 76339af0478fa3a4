package broker

import (
	"testing"
	"time"

	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/internal/strategy"
	"github.com/atlas-desktop/walkforward/pkg/bar"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func constantBars(n int, close float64) []bar.Bar {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]bar.Bar, n)
	price := decimal.NewFromFloat(close)
	for i := 0; i < n; i++ {
		bars[i] = bar.Bar{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromFloat(1),
		}
	}
	return bars
}

// S1 (zero return): 365 daily bars at constant close 100.0, SMA-cross
// fast=10 slow=20. Flat SMAs never cross, so no trades fire and equity
// never moves from the initial capital.
func TestS1ZeroReturn(t *testing.T) {
	bars := constantBars(365, 100.0)
	lib := indicators.New(zap.NewNop())
	strat := strategy.NewSMACross()
	if err := strat.SetParameters(map[string]float64{"fast_period": 10, "slow_period": 20}); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	table := lib.ComputeAll(bars, strat.DeclaredIndicators())

	b := New(zap.NewNop(), DefaultConfig(decimal.NewFromFloat(10000)))
	result, err := b.Run(table, strat, []string{"SMA_10", "SMA_20"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(result.Trades))
	}
	if len(result.Equity) != 365 {
		t.Fatalf("expected 365 dense equity points, got %d", len(result.Equity))
	}
	final := result.Equity[len(result.Equity)-1].Value
	if !final.Equal(decimal.NewFromFloat(10000)) {
		t.Fatalf("expected flat equity at 10000, got %s", final)
	}
}

// stubBuyOnceStrategy buys on the first non-warm-up bar and never sells,
// used to verify next-bar-open fill timing without depending on SMA math.
type stubBuyOnceStrategy struct {
	fired bool
}

func (s *stubBuyOnceStrategy) Name() string                               { return "stub_buy_once" }
func (s *stubBuyOnceStrategy) SetParameters(map[string]float64) error     { return nil }
func (s *stubBuyOnceStrategy) DeclaredIndicators() []indicators.Spec      { return nil }
func (s *stubBuyOnceStrategy) DeclaredDataSources() []strategy.DataSource { return nil }
func (s *stubBuyOnceStrategy) Reset()                                     { s.fired = false }
func (s *stubBuyOnceStrategy) OnBar(view strategy.BarView) (strategy.Order, error) {
	if s.fired {
		return strategy.Order{Side: strategy.NoOrder}, nil
	}
	s.fired = true
	return strategy.Order{Side: strategy.Buy}, nil
}

func TestNextBarOpenFillNoLookahead(t *testing.T) {
	bars := []bar.Bar{
		{Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Open: d(100), High: d(101), Low: d(99), Close: d(100), Volume: d(1)},
		{Timestamp: time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), Open: d(105), High: d(106), Low: d(104), Close: d(105), Volume: d(1)},
		{Timestamp: time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC), Open: d(110), High: d(111), Low: d(109), Close: d(110), Volume: d(1)},
	}
	table := bar.NewTable(bars)

	b := New(zap.NewNop(), DefaultConfig(decimal.NewFromFloat(10000)))
	result, err := b.Run(table, &stubBuyOnceStrategy{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Order placed on bar 0 must fill at bar 1's open (105), not bar 0's
	// close (100) and not bar 0's open (100).
	if b.entryPrice.IsZero() {
		t.Fatalf("expected an open position after fill")
	}
	if !b.entryPrice.Equal(d(105)) {
		t.Fatalf("expected fill at next bar's open 105, got %s", b.entryPrice)
	}
	if len(result.Equity) != 3 {
		t.Fatalf("expected 3 equity points, got %d", len(result.Equity))
	}
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }
