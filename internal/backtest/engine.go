package backtest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantmill/strand/config"
	"github.com/quantmill/strand/errs"
	"github.com/quantmill/strand/internal/observability"
	"github.com/quantmill/strand/internal/schema"
)

// Emitter publishes analytics events into the live event bus. The engine
// emits at background priority so observability traffic never competes with
// market data.
type Emitter interface {
	Publish(typ schema.EventType, payload any, priority schema.Priority, symbol string) bool
}

// Engine runs portfolio backtests. The hot loop is single-threaded and
// deterministic; only the signal pre-pass fans out.
type Engine struct {
	cfg     config.BacktestConfig
	clock   Clock
	emitter Emitter
	sink    Sink

	fees     decimal.Decimal
	slippage decimal.Decimal
	sizePct  decimal.Decimal
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithClock overrides the default virtual clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithEmitter attaches a live event bus for analytics emission.
func WithEmitter(emitter Emitter) EngineOption {
	return func(e *Engine) { e.emitter = emitter }
}

// WithSink attaches a result sink invoked after every run.
func WithSink(sink Sink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// maxCashFraction caps how much of the pool a single entry may consume.
var maxCashFraction = decimal.RequireFromString("0.95")

// NewEngine validates the configuration and constructs an engine.
func NewEngine(cfg config.BacktestConfig, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		clock:    NewVirtualClock(time.Unix(0, 0)),
		fees:     decimal.NewFromFloat(cfg.Fees),
		slippage: decimal.NewFromFloat(cfg.Slippage),
		sizePct:  decimal.NewFromFloat(cfg.PositionSizePct),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes one backtest over the common time range of the series. The
// result always materialises; strategy faults surface as diagnostics, not
// errors.
func (e *Engine) Run(ctx context.Context, series []Series, factory StrategyFactory) (*PortfolioResult, error) {
	if len(series) == 0 {
		return nil, errs.New("backtest/engine", errs.CodeInvalid, errs.WithMessage("no instrument series"))
	}
	if factory == nil {
		return nil, errs.New("backtest/engine", errs.CodeInvalid, errs.WithMessage("strategy factory required"))
	}
	for _, s := range series {
		if err := s.Instrument.Validate(); err != nil {
			return nil, err
		}
		if len(s.Bars) == 0 {
			return nil, errs.New("backtest/engine", errs.CodeInvalid,
				errs.WithMessage("empty bar series"), errs.WithSymbol(s.Instrument.Symbol))
		}
	}

	timeline, err := masterTimeline(series)
	if err != nil {
		return nil, err
	}

	signals, diags := computeSignals(series, factory)
	run := newPortfolioRun(e, series, signals)

	for _, t := range timeline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.clock.AdvanceTo(t)
		run.step(t)
	}
	run.sweep(timeline[len(timeline)-1])

	result := run.finish(diags)
	if e.sink != nil {
		if err := e.sink.Deliver(ctx, result); err != nil {
			observability.Log().Warn("result sink failed",
				observability.F("run", result.RunID.String()),
				observability.F("error", err.Error()),
			)
		}
	}
	return result, nil
}

// masterTimeline intersects the instrument ranges and walks the first
// instrument's index within [max(start), min(end)].
func masterTimeline(series []Series) ([]time.Time, error) {
	start := series[0].Bars[0].Timestamp
	end := series[0].Bars[len(series[0].Bars)-1].Timestamp
	for _, s := range series[1:] {
		if first := s.Bars[0].Timestamp; first.After(start) {
			start = first
		}
		if last := s.Bars[len(s.Bars)-1].Timestamp; last.Before(end) {
			end = last
		}
	}
	if end.Before(start) {
		return nil, errs.New("backtest/engine", errs.CodeInvalid, errs.WithMessage("instrument time ranges do not overlap"))
	}

	var timeline []time.Time
	for _, bar := range series[0].Bars {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		timeline = append(timeline, bar.Timestamp)
	}
	if len(timeline) == 0 {
		return nil, errs.New("backtest/engine", errs.CodeInvalid, errs.WithMessage("empty master timeline"))
	}
	return timeline, nil
}

// portfolioRun holds the mutable state of one simulation.
type portfolioRun struct {
	engine  *Engine
	series  []Series
	signals map[schema.InstrumentID]*signalSet

	bars      map[schema.InstrumentID]map[int64]schema.Bar
	positions map[schema.InstrumentID]*Position
	lastPrice map[schema.InstrumentID]decimal.Decimal

	cash   decimal.Decimal
	curve  []EquityPoint
	trades []Trade
}

func newPortfolioRun(e *Engine, series []Series, signals map[schema.InstrumentID]*signalSet) *portfolioRun {
	run := &portfolioRun{
		engine:    e,
		series:    series,
		signals:   signals,
		bars:      make(map[schema.InstrumentID]map[int64]schema.Bar, len(series)),
		positions: make(map[schema.InstrumentID]*Position, len(series)),
		lastPrice: make(map[schema.InstrumentID]decimal.Decimal, len(series)),
		cash:      decimal.NewFromFloat(e.cfg.InitCash),
	}
	for _, s := range series {
		index := make(map[int64]schema.Bar, len(s.Bars))
		for _, bar := range s.Bars {
			index[bar.Timestamp.UnixNano()] = bar
		}
		run.bars[s.Instrument] = index
		run.positions[s.Instrument] = &Position{Instrument: s.Instrument}
	}
	return run
}

// step performs one master-timeline iteration: mark-to-market, then fills.
// Exits run before entries so a flip closes first; instruments are processed
// in series order.
func (r *portfolioRun) step(t time.Time) {
	ts := t.UnixNano()

	for _, s := range r.series {
		if bar, ok := r.bars[s.Instrument][ts]; ok {
			r.lastPrice[s.Instrument] = bar.Close
		}
	}
	r.mark(t)

	for _, s := range r.series {
		bar, ok := r.bars[s.Instrument][ts]
		if !ok {
			continue
		}
		set := r.signals[s.Instrument]
		if set == nil {
			continue
		}
		if set.exits[ts] && r.positions[s.Instrument].IsOpen() {
			r.exit(s.Instrument, bar.Close, t, false)
		}
		if set.entries[ts] && !r.positions[s.Instrument].IsOpen() {
			r.enter(s.Instrument, bar.Close, t)
		}
	}
}

func (r *portfolioRun) mark(t time.Time) {
	positionValue := decimal.Zero
	for _, s := range r.series {
		pos := r.positions[s.Instrument]
		if !pos.IsOpen() {
			continue
		}
		price, ok := r.lastPrice[s.Instrument]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		positionValue = positionValue.Add(pos.Size.Mul(price))
	}
	point := EquityPoint{
		Timestamp:     t,
		Equity:        r.cash.Add(positionValue),
		Cash:          r.cash,
		PositionValue: positionValue,
	}
	r.curve = append(r.curve, point)
	if r.engine.emitter != nil {
		r.engine.emitter.Publish(schema.EventTypeEquity, point, schema.PriorityBackground, "")
	}
}

// enter sizes the fill from the shared cash pool: the configured fraction,
// capped at 95% of available cash. Slippage worsens the fill price; fees are
// charged on top of notional. Insufficient cash skips the fill silently.
func (r *portfolioRun) enter(id schema.InstrumentID, close decimal.Decimal, t time.Time) {
	if close.LessThanOrEqual(decimal.Zero) {
		return
	}
	price := close.Mul(decimal.NewFromInt(1).Add(r.engine.slippage))

	tradeCash := decimal.Min(r.cash.Mul(r.engine.sizePct), r.cash.Mul(maxCashFraction))
	if tradeCash.LessThanOrEqual(decimal.Zero) {
		return
	}
	size := tradeCash.Div(price)
	if size.LessThanOrEqual(decimal.Zero) {
		return
	}
	notional := size.Mul(price)
	fee := notional.Mul(r.engine.fees)
	cost := notional.Add(fee)
	if r.cash.LessThan(cost) {
		return
	}

	r.cash = r.cash.Sub(cost)
	pos := r.positions[id]
	pos.Size = size
	pos.EntryPrice = price
	pos.EntryTime = t

	r.record(Trade{
		Symbol:    id.Symbol,
		Direction: DirectionBuy,
		Size:      size,
		Price:     price,
		Timestamp: t,
		Notional:  cost,
		Fees:      fee,
	})
}

func (r *portfolioRun) exit(id schema.InstrumentID, close decimal.Decimal, t time.Time, forced bool) {
	if close.LessThanOrEqual(decimal.Zero) {
		return
	}
	price := close.Mul(decimal.NewFromInt(1).Sub(r.engine.slippage))

	pos := r.positions[id]
	notional := pos.Size.Mul(price)
	fee := notional.Mul(r.engine.fees)
	revenue := notional.Sub(fee)
	pnl := pos.Size.Mul(price.Sub(pos.EntryPrice)).Sub(fee)

	r.cash = r.cash.Add(revenue)
	entryPrice := pos.EntryPrice
	entryTime := pos.EntryTime
	size := pos.Size
	pos.Size = decimal.Zero
	pos.EntryPrice = decimal.Zero
	pos.EntryTime = time.Time{}

	r.record(Trade{
		Symbol:     id.Symbol,
		Direction:  DirectionSell,
		Size:       size,
		Price:      price,
		Timestamp:  t,
		Notional:   revenue,
		Fees:       fee,
		PnL:        &pnl,
		EntryPrice: &entryPrice,
		EntryTime:  &entryTime,
		ForcedExit: forced,
	})
}

// sweep force-closes every still-open position at the final timestamp.
func (r *portfolioRun) sweep(last time.Time) {
	for _, s := range r.series {
		if !r.positions[s.Instrument].IsOpen() {
			continue
		}
		price, ok := r.lastPrice[s.Instrument]
		if !ok {
			continue
		}
		r.exit(s.Instrument, price, last, true)
	}
}

func (r *portfolioRun) record(trade Trade) {
	r.trades = append(r.trades, trade)
	if r.engine.emitter != nil {
		r.engine.emitter.Publish(schema.EventTypeFill, trade, schema.PriorityBackground, trade.Symbol)
	}
}

func (r *portfolioRun) finish(diags []Diagnostic) *PortfolioResult {
	initial := decimal.NewFromFloat(r.engine.cfg.InitCash)
	result := &PortfolioResult{
		RunID:         uuid.New(),
		EquityCurve:   r.curve,
		Trades:        r.trades,
		Metrics:       computeMetrics(initial, r.curve, r.trades, r.engine.cfg.Annualization),
		PerInstrument: attribute(r.trades),
		Diagnostics:   diags,
	}
	return result
}

// attribute filters the master trade list per symbol and sums realised PnL.
func attribute(trades []Trade) map[string]InstrumentReport {
	out := make(map[string]InstrumentReport)
	for _, trade := range trades {
		report := out[trade.Symbol]
		report.Trades = append(report.Trades, trade)
		report.TradeCount++
		if trade.PnL != nil {
			report.TotalPnL = report.TotalPnL.Add(*trade.PnL)
		}
		out[trade.Symbol] = report
	}
	return out
}
