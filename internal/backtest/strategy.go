package backtest

import (
	"github.com/quantmill/strand/internal/schema"
)

// OrderSide is the intent expressed by a strategy order.
type OrderSide string

const (
	// SideBuy signals entry.
	SideBuy OrderSide = "buy"
	// SideSell signals exit.
	SideSell OrderSide = "sell"
)

// Order is a strategy's market-order intent. Sizing is owned by the engine,
// not the strategy; the order only carries direction.
type Order struct {
	Side OrderSide
}

// Strategy is the capability interface the engine replays bars through.
// OnBar returns a nil order when the strategy has no intent for that bar.
// Errors freeze signal generation for the instrument being replayed.
type Strategy interface {
	OnInit() error
	OnBar(bar schema.Bar) (*Order, error)
	OnStop(last schema.Bar) error
}

// StrategyFactory builds a fresh strategy replica. The signal pre-pass calls
// it once per instrument so per-symbol state never bleeds between
// instruments.
type StrategyFactory func() Strategy
