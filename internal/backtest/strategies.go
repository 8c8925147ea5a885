package backtest

import (
	"github.com/quantmill/strand/internal/schema"
)

// Momentum trades in the direction of the price trend over a lookback
// window. It enters when the change exceeds the threshold and exits when it
// reverses past the negative threshold.
type Momentum struct {
	Lookback     int
	ThresholdPct float64

	closes []float64
	long   bool
}

// NewMomentumFactory returns a factory producing fresh momentum replicas.
func NewMomentumFactory(lookback int, thresholdPct float64) StrategyFactory {
	return func() Strategy {
		return &Momentum{Lookback: lookback, ThresholdPct: thresholdPct}
	}
}

// OnInit resets replica state.
func (s *Momentum) OnInit() error {
	s.closes = nil
	s.long = false
	return nil
}

// OnBar emits a buy when upward momentum crosses the threshold and a sell on
// the mirror condition.
func (s *Momentum) OnBar(bar schema.Bar) (*Order, error) {
	s.closes = append(s.closes, bar.Close.InexactFloat64())
	if len(s.closes) > s.Lookback {
		s.closes = s.closes[len(s.closes)-s.Lookback:]
	}
	if len(s.closes) < s.Lookback {
		return nil, nil
	}

	first := s.closes[0]
	last := s.closes[len(s.closes)-1]
	if first == 0 {
		return nil, nil
	}
	momentumPct := (last - first) / first * 100

	if momentumPct > s.ThresholdPct && !s.long {
		s.long = true
		return &Order{Side: SideBuy}, nil
	}
	if momentumPct < -s.ThresholdPct && s.long {
		s.long = false
		return &Order{Side: SideSell}, nil
	}
	return nil, nil
}

// OnStop is a no-op; open positions are closed by the engine sweep.
func (s *Momentum) OnStop(schema.Bar) error { return nil }

// SMACross is a classic fast/slow moving-average crossover strategy.
type SMACross struct {
	Fast int
	Slow int

	closes []float64
	long   bool
}

// NewSMACrossFactory returns a factory producing fresh crossover replicas.
func NewSMACrossFactory(fast, slow int) StrategyFactory {
	return func() Strategy {
		return &SMACross{Fast: fast, Slow: slow}
	}
}

// OnInit resets replica state.
func (s *SMACross) OnInit() error {
	s.closes = nil
	s.long = false
	return nil
}

// OnBar buys when the fast average crosses above the slow one and sells on
// the cross back down.
func (s *SMACross) OnBar(bar schema.Bar) (*Order, error) {
	s.closes = append(s.closes, bar.Close.InexactFloat64())
	if len(s.closes) > s.Slow {
		s.closes = s.closes[len(s.closes)-s.Slow:]
	}
	if len(s.closes) < s.Slow {
		return nil, nil
	}

	fast := average(s.closes[len(s.closes)-s.Fast:])
	slow := average(s.closes)

	if fast > slow && !s.long {
		s.long = true
		return &Order{Side: SideBuy}, nil
	}
	if fast < slow && s.long {
		s.long = false
		return &Order{Side: SideSell}, nil
	}
	return nil, nil
}

// OnStop is a no-op; open positions are closed by the engine sweep.
func (s *SMACross) OnStop(schema.Bar) error { return nil }

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
