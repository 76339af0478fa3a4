// Package metrics derives the full performance-metrics record from a broker
// run's equity curve and trade ledger. Every metric that could divide by
// zero resolves to a deterministic 0 or +Inf; nothing here ever returns NaN.
package metrics

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/walkforward/internal/broker"
	"github.com/shopspring/decimal"
)

// monteCarloSeed is pinned so identical inputs always yield the same
// Monte-Carlo percentile.
const monteCarloSeed = 42

const monteCarloIterations = 2500

// Metrics is the fixed-shape performance record (M). All fields are
// populated on every call to Calculate; WalkforwardEfficiency is the one
// exception, left at 0 here and set later by the walk-forward runner.
type Metrics struct {
	NetProfit         decimal.Decimal
	TotalReturnPct    float64
	FinalEquity       decimal.Decimal
	InitialCapital    decimal.Decimal
	StartDate         time.Time
	EndDate           time.Time
	TotalCalendarDays int

	MaxDrawdown         decimal.Decimal
	MaxDrawdownPct      float64
	AvgDrawdown         decimal.Decimal
	MaxRunUp            decimal.Decimal
	MaxIntradayDrawdown decimal.Decimal
	RecoveryFactor      float64

	NumTrades             int
	WinningTrades         int
	LosingTrades          int
	GrossProfit           decimal.Decimal
	GrossLoss             decimal.Decimal
	ProfitFactor          float64
	WinRatePct            float64
	AvgWin                decimal.Decimal
	AvgLoss               decimal.Decimal
	AvgTrade              decimal.Decimal
	LargestWin            decimal.Decimal
	LargestLoss           decimal.Decimal
	MaxConsecutiveWins    int
	MaxConsecutiveLosses  int

	SharpeRatio     float64
	SortinoRatio    float64
	RSquared        float64
	MonteCarloScore float64

	DaysProfitable       int
	TotalTradingDays     int
	PercentTimeInMarket  float64

	RinaIndex         float64
	TradeStationIndex float64

	AnnualizedReturnPct float64
	AnnualizedNetProfit decimal.Decimal
	AnnualizedSharpe    float64
	AnnualizedSortino   float64

	WalkforwardEfficiency float64
}

// Calculate derives a full Metrics record from a broker Result plus the
// nominal date range the run was asked to cover (used for calendar-day
// statistics even when the equity curve is short or empty).
func Calculate(trades []broker.Trade, equity []broker.EquityPoint, initialCapital decimal.Decimal, nominalStart, nominalEnd time.Time) *Metrics {
	m := &Metrics{
		InitialCapital: initialCapital,
		StartDate:      nominalStart,
		EndDate:        nominalEnd,
	}

	if nominalEnd.After(nominalStart) {
		m.TotalCalendarDays = int(nominalEnd.Sub(nominalStart).Hours()/24) + 1
	}

	if len(equity) == 0 {
		m.FinalEquity = initialCapital
		return m
	}

	m.FinalEquity = equity[len(equity)-1].Value
	m.NetProfit = m.FinalEquity.Sub(initialCapital)
	m.TotalReturnPct = pctOf(m.NetProfit, initialCapital)

	calcDrawdowns(m, equity)
	calcTradeStats(m, trades)
	barReturns := calcBarReturns(equity)
	m.SharpeRatio = sharpe(barReturns)
	m.SortinoRatio = sortino(barReturns)
	m.RSquared = rSquared(equity)
	m.MonteCarloScore = monteCarloPercentile(barReturns)
	calcDayStats(m, equity)
	calcTimeInMarket(m, trades)
	calcCompositeIndices(m)
	calcAnnualized(m)

	m.RecoveryFactor = ratioOrInfOrZero(m.NetProfit, m.MaxDrawdown)

	return m
}

func pctOf(numerator, denominator decimal.Decimal) float64 {
	if denominator.IsZero() {
		return 0
	}
	f, _ := numerator.Div(denominator).Float64()
	return f * 100
}

// ratioOrInfOrZero implements the recurring "profit-factor-shaped" divide
// rule: +Inf when the numerator is positive and the denominator is zero, 0
// when both are non-positive/zero.
func ratioOrInfOrZero(numerator, denominator decimal.Decimal) float64 {
	if denominator.IsZero() {
		if numerator.GreaterThan(decimal.Zero) {
			return math.Inf(1)
		}
		return 0
	}
	f, _ := numerator.Div(denominator).Float64()
	return f
}

func calcDrawdowns(m *Metrics, equity []broker.EquityPoint) {
	peak := equity[0].Value
	var maxDD, sumDD, maxRunUp, maxDDPct decimal.Decimal
	for _, p := range equity {
		if p.Value.GreaterThan(peak) {
			peak = p.Value
		}
		dd := peak.Sub(p.Value)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		sumDD = sumDD.Add(dd)
		if !peak.IsZero() {
			ddPct := dd.Div(peak)
			if ddPct.GreaterThan(maxDDPct) {
				maxDDPct = ddPct
			}
		}
		runUp := p.Value.Sub(m.InitialCapital)
		if runUp.GreaterThan(maxRunUp) {
			maxRunUp = runUp
		}
	}
	m.MaxDrawdown = maxDD
	m.MaxIntradayDrawdown = maxDD
	m.MaxDrawdownPct, _ = maxDDPct.Mul(decimal.NewFromInt(100)).Float64()
	m.AvgDrawdown = sumDD.Div(decimal.NewFromInt(int64(len(equity))))
	m.MaxRunUp = maxRunUp
}

func calcTradeStats(m *Metrics, trades []broker.Trade) {
	m.NumTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var grossProfit, grossLoss decimal.Decimal
	streak, bestWinStreak, bestLossStreak := 0, 0, 0
	streakIsWin := false

	for _, t := range trades {
		switch {
		case t.PnL.GreaterThan(decimal.Zero):
			m.WinningTrades++
			grossProfit = grossProfit.Add(t.PnL)
			if t.PnL.GreaterThan(m.LargestWin) {
				m.LargestWin = t.PnL
			}
			if streakIsWin {
				streak++
			} else {
				streak = 1
				streakIsWin = true
			}
			if streak > bestWinStreak {
				bestWinStreak = streak
			}
		case t.PnL.LessThan(decimal.Zero):
			m.LosingTrades++
			loss := t.PnL.Abs()
			grossLoss = grossLoss.Add(loss)
			if loss.GreaterThan(m.LargestLoss) {
				m.LargestLoss = loss
			}
			if !streakIsWin {
				streak++
			} else {
				streak = 1
				streakIsWin = false
			}
			if streak > bestLossStreak {
				bestLossStreak = streak
			}
		default:
			streak = 0
		}
	}

	m.GrossProfit = grossProfit
	m.GrossLoss = grossLoss
	m.MaxConsecutiveWins = bestWinStreak
	m.MaxConsecutiveLosses = bestLossStreak
	m.ProfitFactor = ratioOrInfOrZero(grossProfit, grossLoss)
	m.WinRatePct = float64(m.WinningTrades) / float64(m.NumTrades) * 100

	if m.WinningTrades > 0 {
		m.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}

	var netSum decimal.Decimal
	for _, t := range trades {
		netSum = netSum.Add(t.PnL)
	}
	m.AvgTrade = netSum.Div(decimal.NewFromInt(int64(m.NumTrades)))
}

// calcBarReturns derives per-bar percentage returns from consecutive
// equity points, skipping any pair whose starting value is zero.
func calcBarReturns(equity []broker.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Value
		if prev.IsZero() {
			continue
		}
		ret, _ := equity[i].Value.Sub(prev).Div(prev).Float64()
		out = append(out, ret)
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - avg
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sd := stdDev(returns)
	if sd == 0 {
		return 0
	}
	return mean(returns) / sd
}

func sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	avg := mean(returns)
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		if avg > 0 {
			return math.Inf(1)
		}
		return 0
	}
	dsd := stdDev(downside)
	if dsd == 0 {
		return 0
	}
	return avg / dsd
}

// rSquared is the coefficient of determination of the equity curve against
// a linear fit over days-since-start.
func rSquared(equity []broker.EquityPoint) float64 {
	n := len(equity)
	if n < 2 {
		return 0
	}
	start := equity[0].Timestamp
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range equity {
		xs[i] = p.Timestamp.Sub(start).Hours() / 24
		ys[i], _ = p.Value.Float64()
	}

	xMean, yMean := mean(xs), mean(ys)
	var sxx, sxy, syy float64
	for i := range xs {
		dx := xs[i] - xMean
		dy := ys[i] - yMean
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	slope := sxy / sxx
	intercept := yMean - slope*xMean

	var ssRes, ssTot float64
	for i := range xs {
		pred := intercept + slope*xs[i]
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - yMean) * (ys[i] - yMean)
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

// monteCarloPercentile resamples 2500 bootstrap paths (with replacement)
// from the per-bar return series, compounds each, and returns the
// percentile rank of the actual compounded return among the simulated
// distribution. Deterministic: seeded with monteCarloSeed.
func monteCarloPercentile(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	actual := 1.0
	for _, r := range returns {
		actual *= 1 + r
	}

	rng := rand.New(rand.NewSource(monteCarloSeed))
	simulated := make([]float64, monteCarloIterations)
	for i := 0; i < monteCarloIterations; i++ {
		compounded := 1.0
		for j := 0; j < len(returns); j++ {
			compounded *= 1 + returns[rng.Intn(len(returns))]
		}
		simulated[i] = compounded
	}
	sort.Float64s(simulated)

	below := sort.SearchFloat64s(simulated, actual)
	return float64(below) / float64(len(simulated)) * 100
}

// calcDayStats partitions equity points into calendar-date buckets, using
// the last (end-of-day) point per date, and counts days whose closing
// equity exceeds the prior day's.
func calcDayStats(m *Metrics, equity []broker.EquityPoint) {
	if len(equity) == 0 {
		return
	}
	order := make([]string, 0)
	endOfDay := make(map[string]decimal.Decimal)
	for _, p := range equity {
		key := p.Timestamp.UTC().Format("2006-01-02")
		if _, seen := endOfDay[key]; !seen {
			order = append(order, key)
		}
		endOfDay[key] = p.Value
	}
	m.TotalTradingDays = len(order)
	for i := 1; i < len(order); i++ {
		if endOfDay[order[i]].GreaterThan(endOfDay[order[i-1]]) {
			m.DaysProfitable++
		}
	}
}

func calcTimeInMarket(m *Metrics, trades []broker.Trade) {
	if m.TotalTradingDays == 0 {
		return
	}
	var totalDays float64
	for _, t := range trades {
		totalDays += t.ExitTime.Sub(t.EntryTime).Hours() / 24
	}
	m.PercentTimeInMarket = totalDays / float64(m.TotalTradingDays) * 100
}

func calcCompositeIndices(m *Metrics) {
	netProfit, _ := m.NetProfit.Float64()

	if m.AvgDrawdown.IsZero() || m.PercentTimeInMarket == 0 {
		m.RinaIndex = 0
	} else {
		avgDD, _ := m.AvgDrawdown.Float64()
		m.RinaIndex = netProfit / (avgDD * m.PercentTimeInMarket / 100)
	}

	if m.MaxIntradayDrawdown.IsZero() {
		m.TradeStationIndex = 0
	} else {
		maxDD, _ := m.MaxIntradayDrawdown.Float64()
		m.TradeStationIndex = netProfit * float64(m.DaysProfitable) / maxDD
	}
}

// calcAnnualized scales return-shaped metrics by 365/calendar_days, but
// only once the calendar span exceeds 30 days; shorter runs annualize to
// noise.
func calcAnnualized(m *Metrics) {
	if m.TotalCalendarDays <= 30 {
		return
	}
	scale := 365.0 / float64(m.TotalCalendarDays)
	m.AnnualizedReturnPct = m.TotalReturnPct * scale
	m.AnnualizedNetProfit = m.NetProfit.Mul(decimal.NewFromFloat(scale))
	m.AnnualizedSharpe = m.SharpeRatio * scale
	m.AnnualizedSortino = m.SortinoRatio * scale
}
