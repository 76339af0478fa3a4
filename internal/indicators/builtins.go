package indicators

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/walkforward/pkg/bar"
)

func closes(bars []bar.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		f, _ := b.Close.Float64()
		out[i] = f
	}
	return out
}

func intParam(params map[string]float64, name string, def int) int {
	if v, ok := params[name]; ok {
		return int(v)
	}
	return def
}

func floatParam(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}

func filledWith(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// computeSMA is the simple moving average over `period` closes.
func computeSMA(bars []bar.Bar, params map[string]float64) (Result, error) {
	period := intParam(params, "period", 20)
	if period <= 0 {
		return Result{}, fmt.Errorf("SMA: period must be positive, got %d", period)
	}
	c := closes(bars)
	out := filledWith(len(c), bar.NotComputed)
	sum := 0.0
	for i, v := range c {
		sum += v
		if i >= period {
			sum -= c[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return Result{Series: out}, nil
}

// computeEMA is the exponential moving average, seeded with the SMA of the
// first `period` closes.
func computeEMA(bars []bar.Bar, params map[string]float64) (Result, error) {
	period := intParam(params, "period", 20)
	if period <= 0 {
		return Result{}, fmt.Errorf("EMA: period must be positive, got %d", period)
	}
	c := closes(bars)
	out := filledWith(len(c), bar.NotComputed)
	if len(c) < period {
		return Result{Series: out}, nil
	}
	alpha := 2.0 / (float64(period) + 1.0)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += c[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema
	for i := period; i < len(c); i++ {
		ema = alpha*c[i] + (1-alpha)*ema
		out[i] = ema
	}
	return Result{Series: out}, nil
}

// computeRSI is Wilder's relative strength index.
func computeRSI(bars []bar.Bar, params map[string]float64) (Result, error) {
	period := intParam(params, "period", 14)
	if period <= 0 {
		return Result{}, fmt.Errorf("RSI: period must be positive, got %d", period)
	}
	c := closes(bars)
	out := filledWith(len(c), bar.NotComputed)
	if len(c) <= period {
		return Result{Series: out}, nil
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := c[i] - c[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(c); i++ {
		delta := c[i] - c[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return Result{Series: out}, nil
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// computeMACD emits {macd, signal, histogram}.
func computeMACD(bars []bar.Bar, params map[string]float64) (Result, error) {
	fast := intParam(params, "fast_period", 12)
	slow := intParam(params, "slow_period", 26)
	signalPeriod := intParam(params, "signal_period", 9)
	if fast <= 0 || slow <= 0 || signalPeriod <= 0 || fast >= slow {
		return Result{}, fmt.Errorf("MACD: invalid periods fast=%d slow=%d signal=%d", fast, slow, signalPeriod)
	}

	fastEMA, err := emaSeries(closes(bars), fast)
	if err != nil {
		return Result{}, err
	}
	slowEMA, err := emaSeries(closes(bars), slow)
	if err != nil {
		return Result{}, err
	}

	n := len(bars)
	macd := filledWith(n, bar.NotComputed)
	for i := 0; i < n; i++ {
		if !bar.IsNotComputed(fastEMA[i]) && !bar.IsNotComputed(slowEMA[i]) {
			macd[i] = fastEMA[i] - slowEMA[i]
		}
	}

	signal, err := emaSeries(macd, signalPeriod)
	if err != nil {
		return Result{}, err
	}

	histogram := filledWith(n, bar.NotComputed)
	for i := 0; i < n; i++ {
		if !bar.IsNotComputed(macd[i]) && !bar.IsNotComputed(signal[i]) {
			histogram[i] = macd[i] - signal[i]
		}
	}

	return Result{Multi: map[string][]float64{
		"macd":      macd,
		"signal":    signal,
		"histogram": histogram,
	}}, nil
}

// emaSeries computes an EMA over an arbitrary float64 series (used to
// compose MACD from two EMAs of closes plus an EMA of the MACD line
// itself), skipping leading NotComputed sentinels.
func emaSeries(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("EMA: period must be positive, got %d", period)
	}
	out := filledWith(len(values), bar.NotComputed)

	start := -1
	for i, v := range values {
		if !bar.IsNotComputed(v) {
			start = i
			break
		}
	}
	if start == -1 || len(values)-start < period {
		return out, nil
	}

	sum := 0.0
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	alpha := 2.0 / (float64(period) + 1.0)
	ema := sum / float64(period)
	out[start+period-1] = ema
	for i := start + period; i < len(values); i++ {
		ema = alpha*values[i] + (1-alpha)*ema
		out[i] = ema
	}
	return out, nil
}

// computeBollinger emits {upper, middle, lower}.
func computeBollinger(bars []bar.Bar, params map[string]float64) (Result, error) {
	period := intParam(params, "period", 20)
	stdDevMult := floatParam(params, "std_dev", 2.0)
	if period <= 0 {
		return Result{}, fmt.Errorf("Bollinger: period must be positive, got %d", period)
	}
	c := closes(bars)
	n := len(c)
	upper := filledWith(n, bar.NotComputed)
	middle := filledWith(n, bar.NotComputed)
	lower := filledWith(n, bar.NotComputed)

	for i := period - 1; i < n; i++ {
		window := c[i-period+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)
		var variance float64
		for _, v := range window {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(period)
		std := math.Sqrt(variance)

		middle[i] = mean
		upper[i] = mean + stdDevMult*std
		lower[i] = mean - stdDevMult*std
	}

	return Result{Multi: map[string][]float64{
		"upper":  upper,
		"middle": middle,
		"lower":  lower,
	}}, nil
}

// atr computes the Average True Range over `period`, used both as a
// potential custom indicator and by the built-in volatility regime filter.
func atr(bars []bar.Bar, period int) []float64 {
	n := len(bars)
	out := filledWith(n, bar.NotComputed)
	if n == 0 {
		return out
	}
	trueRanges := make([]float64, n)
	for i := 0; i < n; i++ {
		high, _ := bars[i].High.Float64()
		low, _ := bars[i].Low.Float64()
		if i == 0 {
			trueRanges[i] = high - low
			continue
		}
		prevClose, _ := bars[i-1].Close.Float64()
		tr := high - low
		if v := math.Abs(high - prevClose); v > tr {
			tr = v
		}
		if v := math.Abs(low - prevClose); v > tr {
			tr = v
		}
		trueRanges[i] = tr
	}
	if n < period {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += trueRanges[i]
	}
	avg := sum / float64(period)
	out[period-1] = avg
	for i := period; i < n; i++ {
		avg = (avg*float64(period-1) + trueRanges[i]) / float64(period)
		out[i] = avg
	}
	return out
}

// ATR exposes the average true range computation for use outside the
// indicator registry (the regime filter engine needs it directly).
func ATR(bars []bar.Bar, period int) []float64 {
	return atr(bars, period)
}
