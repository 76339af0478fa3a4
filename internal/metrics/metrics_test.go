package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/walkforward/internal/broker"
	"github.com/shopspring/decimal"
)

func equityAt(day int, value float64) broker.EquityPoint {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return broker.EquityPoint{
		Timestamp: start.Add(time.Duration(day) * 24 * time.Hour),
		Value:     decimal.NewFromFloat(value),
	}
}

// S2: equity curve [10000, 12000, 9500, 10500] -> max_drawdown=2500,
// max_drawdown_pct≈20.83, net_profit=500, recovery_factor=500/2500=0.2.
func TestS2DrawdownAndNetProfit(t *testing.T) {
	equity := []broker.EquityPoint{
		equityAt(0, 10000),
		equityAt(1, 12000),
		equityAt(2, 9500),
		equityAt(3, 10500),
	}
	m := Calculate(nil, equity, decimal.NewFromFloat(10000),
		equity[0].Timestamp, equity[len(equity)-1].Timestamp)

	if !m.NetProfit.Equal(decimal.NewFromFloat(500)) {
		t.Fatalf("expected net profit 500, got %s", m.NetProfit)
	}
	if !m.MaxDrawdown.Equal(decimal.NewFromFloat(2500)) {
		t.Fatalf("expected max drawdown 2500, got %s", m.MaxDrawdown)
	}
	wantPct := 2500.0 / 12000.0 * 100
	if math.Abs(m.MaxDrawdownPct-wantPct) > 0.01 {
		t.Fatalf("expected max drawdown pct %.4f, got %.4f", wantPct, m.MaxDrawdownPct)
	}
	wantRecovery := 500.0 / 2500.0
	if math.Abs(m.RecoveryFactor-wantRecovery) > 0.0001 {
		t.Fatalf("expected recovery factor %.4f, got %.4f", wantRecovery, m.RecoveryFactor)
	}
}

// Testable property: every numeric field is finite or +Inf, never NaN, even
// on a degenerate (empty) run.
func TestMetricTotalityOnEmptyRun(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * 24 * time.Hour)
	m := Calculate(nil, nil, decimal.NewFromFloat(10000), start, end)

	floats := map[string]float64{
		"TotalReturnPct":      m.TotalReturnPct,
		"MaxDrawdownPct":      m.MaxDrawdownPct,
		"RecoveryFactor":      m.RecoveryFactor,
		"ProfitFactor":        m.ProfitFactor,
		"WinRatePct":          m.WinRatePct,
		"SharpeRatio":         m.SharpeRatio,
		"SortinoRatio":        m.SortinoRatio,
		"RSquared":            m.RSquared,
		"MonteCarloScore":     m.MonteCarloScore,
		"PercentTimeInMarket": m.PercentTimeInMarket,
		"RinaIndex":           m.RinaIndex,
		"TradeStationIndex":   m.TradeStationIndex,
		"AnnualizedReturnPct": m.AnnualizedReturnPct,
		"AnnualizedSharpe":    m.AnnualizedSharpe,
		"AnnualizedSortino":   m.AnnualizedSortino,
	}
	for name, v := range floats {
		if math.IsNaN(v) {
			t.Errorf("%s is NaN, want finite or +Inf", name)
		}
	}
	if !m.FinalEquity.Equal(decimal.NewFromFloat(10000)) {
		t.Fatalf("expected flat final equity on empty run, got %s", m.FinalEquity)
	}
}

// Monte-Carlo determinism: identical inputs always yield identical scores.
func TestMonteCarloScoreIsDeterministic(t *testing.T) {
	equity := make([]broker.EquityPoint, 0, 30)
	for i := 0; i < 30; i++ {
		equity = append(equity, equityAt(i, 10000+float64(i*37%5)*13))
	}
	start, end := equity[0].Timestamp, equity[len(equity)-1].Timestamp

	m1 := Calculate(nil, equity, decimal.NewFromFloat(10000), start, end)
	m2 := Calculate(nil, equity, decimal.NewFromFloat(10000), start, end)
	if m1.MonteCarloScore != m2.MonteCarloScore {
		t.Fatalf("expected deterministic Monte Carlo score, got %f and %f", m1.MonteCarloScore, m2.MonteCarloScore)
	}
}

// Profit-factor-shaped ratios resolve to +Inf (never NaN) when there are
// only winning trades and no losses.
func TestProfitFactorInfWhenNoLosses(t *testing.T) {
	trades := []broker.Trade{
		{PnL: decimal.NewFromFloat(100)},
		{PnL: decimal.NewFromFloat(50)},
	}
	equity := []broker.EquityPoint{equityAt(0, 10000), equityAt(1, 10150)}
	m := Calculate(trades, equity, decimal.NewFromFloat(10000), equity[0].Timestamp, equity[1].Timestamp)

	if !math.IsInf(m.ProfitFactor, 1) {
		t.Fatalf("expected +Inf profit factor, got %f", m.ProfitFactor)
	}
	if m.WinningTrades != 2 || m.LosingTrades != 0 {
		t.Fatalf("expected 2 winning trades, 0 losing, got %d/%d", m.WinningTrades, m.LosingTrades)
	}
	if m.MaxConsecutiveWins != 2 {
		t.Fatalf("expected consecutive win streak of 2, got %d", m.MaxConsecutiveWins)
	}
}
