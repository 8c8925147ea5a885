// Package backtest implements the time-aligned multi-instrument portfolio
// simulator. One shared cash pool funds every instrument; signals come from
// independent strategy replicas replayed per instrument.
package backtest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantmill/strand/internal/schema"
)

// Direction marks which side a trade was executed on.
type Direction string

const (
	// DirectionBuy opens or adds to a position.
	DirectionBuy Direction = "buy"
	// DirectionSell closes a position.
	DirectionSell Direction = "sell"
)

// Position is the engine's holding in one instrument. Exactly one position
// exists per instrument; a closed position has zero size.
type Position struct {
	Instrument schema.InstrumentID `json:"instrument"`
	Size       decimal.Decimal     `json:"size"`
	EntryPrice decimal.Decimal     `json:"entry_price"`
	EntryTime  time.Time           `json:"entry_time"`
}

// IsOpen reports whether any size is held.
func (p Position) IsOpen() bool {
	return !p.Size.IsZero()
}

// Trade records one executed fill. Immutable once recorded. PnL and the
// entry fields are present only on closing trades.
type Trade struct {
	Symbol     string           `json:"symbol"`
	Direction  Direction        `json:"direction"`
	Size       decimal.Decimal  `json:"size"`
	Price      decimal.Decimal  `json:"price"`
	Timestamp  time.Time        `json:"timestamp"`
	Notional   decimal.Decimal  `json:"notional"`
	Fees       decimal.Decimal  `json:"fees"`
	PnL        *decimal.Decimal `json:"pnl,omitempty"`
	EntryPrice *decimal.Decimal `json:"entry_price,omitempty"`
	EntryTime  *time.Time       `json:"entry_time,omitempty"`
	ForcedExit bool             `json:"forced_exit"`
}

// EquityPoint is one mark-to-market observation of the portfolio.
type EquityPoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	PositionValue decimal.Decimal `json:"position_value"`
}

// Metrics summarises a completed run. Monetary fields stay decimal; ratios
// are IEEE doubles.
type Metrics struct {
	TotalReturnPct float64         `json:"total_return_pct"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	FinalEquity    decimal.Decimal `json:"final_equity"`
	InitialEquity  decimal.Decimal `json:"initial_equity"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
	SharpeRatio    float64         `json:"sharpe_ratio"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	WinRate        float64         `json:"win_rate"`
	TotalFees      decimal.Decimal `json:"total_fees"`
}

// InstrumentReport attributes trades and realised PnL to one symbol. There
// is deliberately no per-instrument equity curve: with a shared cash pool it
// has no sound interpretation.
type InstrumentReport struct {
	Trades     []Trade         `json:"trades"`
	TotalPnL   decimal.Decimal `json:"total_pnl"`
	TradeCount int             `json:"trade_count"`
}

// Diagnostic records a strategy fault. The faulted instrument produces no
// signals after the fault.
type Diagnostic struct {
	Instrument schema.InstrumentID `json:"instrument"`
	Stage      string              `json:"stage"`
	Message    string              `json:"message"`
}

// PortfolioResult is the complete output of one run. It always materialises;
// on fatal strategy failure it carries empty trades plus diagnostics.
type PortfolioResult struct {
	RunID         uuid.UUID                   `json:"run_id"`
	EquityCurve   []EquityPoint               `json:"equity_curve"`
	Trades        []Trade                     `json:"trades"`
	Metrics       Metrics                     `json:"metrics"`
	PerInstrument map[string]InstrumentReport `json:"per_instrument"`
	Diagnostics   []Diagnostic                `json:"diagnostics,omitempty"`
}

// Sink receives the finished result. Callers own persistence and rendering.
type Sink interface {
	Deliver(ctx context.Context, result *PortfolioResult) error
}

// Series pairs an instrument with its ordered bar sequence. A slice of
// Series fixes the instrument iteration order, which the fill rules rely on.
type Series struct {
	Instrument schema.InstrumentID
	Bars       []schema.Bar
}
