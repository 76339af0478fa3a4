package strategy

import (
	"fmt"

	"github.com/atlas-desktop/walkforward/internal/indicators"
)

// RSIThreshold is a built-in strategy: buy when RSI drops at or below the
// oversold threshold, sell when it climbs at or above the overbought one.
type RSIThreshold struct {
	period     int
	oversold   float64
	overbought float64
	inPosition bool
}

// NewRSIThreshold constructs an RSIThreshold strategy with default
// parameters (period=14, oversold=30, overbought=70).
func NewRSIThreshold() *RSIThreshold {
	return &RSIThreshold{period: 14, oversold: 30, overbought: 70}
}

func (s *RSIThreshold) Name() string { return "rsi_threshold" }

func (s *RSIThreshold) SetParameters(params map[string]float64) error {
	period, ok := params["period"]
	if !ok {
		period = 14
	}
	oversold, ok := params["oversold"]
	if !ok {
		oversold = 30
	}
	overbought, ok := params["overbought"]
	if !ok {
		overbought = 70
	}
	if period <= 0 {
		return fmt.Errorf("rsi_threshold: period must be positive, got %v", period)
	}
	if oversold >= overbought {
		return fmt.Errorf("rsi_threshold: oversold (%v) must be less than overbought (%v)", oversold, overbought)
	}
	s.period = int(period)
	s.oversold = oversold
	s.overbought = overbought
	return nil
}

func (s *RSIThreshold) DeclaredIndicators() []indicators.Spec {
	return []indicators.Spec{
		{Type: "RSI", Params: map[string]float64{"period": float64(s.period)}, OutputName: fmt.Sprintf("RSI_%d", s.period)},
	}
}

func (s *RSIThreshold) DeclaredDataSources() []DataSource { return nil }

func (s *RSIThreshold) OnBar(view BarView) (Order, error) {
	rsi, err := view.Column(fmt.Sprintf("RSI_%d", s.period))
	if err != nil {
		return Order{Side: NoOrder}, err
	}

	switch {
	case rsi <= s.oversold && !s.inPosition:
		s.inPosition = true
		return Order{Side: Buy}, nil
	case rsi >= s.overbought && s.inPosition:
		s.inPosition = false
		return Order{Side: Sell}, nil
	default:
		return Order{Side: NoOrder}, nil
	}
}

func (s *RSIThreshold) Reset() {
	s.inPosition = false
}
