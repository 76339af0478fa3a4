package strategy

import (
	"fmt"

	"github.com/atlas-desktop/walkforward/internal/indicators"
)

// SMACross is a built-in strategy: buy when the fast SMA crosses above the
// slow SMA, sell when it crosses back below.
type SMACross struct {
	fastPeriod int
	slowPeriod int
	prevFast   float64
	prevSlow   float64
	havePrev   bool
	inPosition bool
}

// NewSMACross constructs an SMACross strategy with its default parameters
// (fast=10, slow=20); callers override via SetParameters.
func NewSMACross() *SMACross {
	return &SMACross{fastPeriod: 10, slowPeriod: 20}
}

func (s *SMACross) Name() string { return "sma_cross" }

func (s *SMACross) SetParameters(params map[string]float64) error {
	fast, ok := params["fast_period"]
	if !ok {
		fast = 10
	}
	slow, ok := params["slow_period"]
	if !ok {
		slow = 20
	}
	if fast <= 0 || slow <= 0 {
		return fmt.Errorf("sma_cross: fast_period and slow_period must be positive, got fast=%v slow=%v", fast, slow)
	}
	if fast >= slow {
		return fmt.Errorf("sma_cross: fast_period (%v) must be less than slow_period (%v)", fast, slow)
	}
	s.fastPeriod = int(fast)
	s.slowPeriod = int(slow)
	return nil
}

func (s *SMACross) DeclaredIndicators() []indicators.Spec {
	return []indicators.Spec{
		{Type: "SMA", Params: map[string]float64{"period": float64(s.fastPeriod)}, OutputName: fmt.Sprintf("SMA_%d", s.fastPeriod)},
		{Type: "SMA", Params: map[string]float64{"period": float64(s.slowPeriod)}, OutputName: fmt.Sprintf("SMA_%d", s.slowPeriod)},
	}
}

func (s *SMACross) DeclaredDataSources() []DataSource { return nil }

func (s *SMACross) OnBar(view BarView) (Order, error) {
	fast, err := view.Column(fmt.Sprintf("SMA_%d", s.fastPeriod))
	if err != nil {
		return Order{Side: NoOrder}, err
	}
	slow, err := view.Column(fmt.Sprintf("SMA_%d", s.slowPeriod))
	if err != nil {
		return Order{Side: NoOrder}, err
	}

	defer func() {
		s.prevFast, s.prevSlow, s.havePrev = fast, slow, true
	}()

	if !s.havePrev {
		return Order{Side: NoOrder}, nil
	}

	crossedUp := s.prevFast <= s.prevSlow && fast > slow
	crossedDown := s.prevFast >= s.prevSlow && fast < slow

	switch {
	case crossedUp && !s.inPosition:
		s.inPosition = true
		return Order{Side: Buy}, nil
	case crossedDown && s.inPosition:
		s.inPosition = false
		return Order{Side: Sell}, nil
	default:
		return Order{Side: NoOrder}, nil
	}
}

func (s *SMACross) Reset() {
	s.prevFast, s.prevSlow, s.havePrev, s.inPosition = 0, 0, false, false
}
