package backtest

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/quantmill/strand/internal/observability"
	"github.com/quantmill/strand/internal/schema"
)

// signalSet holds per-timestamp entry and exit intents for one instrument,
// keyed by bar timestamp in nanoseconds.
type signalSet struct {
	entries map[int64]bool
	exits   map[int64]bool
}

func newSignalSet() *signalSet {
	return &signalSet{
		entries: make(map[int64]bool),
		exits:   make(map[int64]bool),
	}
}

// computeSignals replays every instrument through a fresh strategy replica
// and records its intents. Instruments are independent, so the replay fans
// out across goroutines. A fault freezes the instrument from that bar on;
// signals produced before the fault survive.
func computeSignals(series []Series, factory StrategyFactory) (map[schema.InstrumentID]*signalSet, []Diagnostic) {
	signals := make(map[schema.InstrumentID]*signalSet, len(series))
	var mu sync.Mutex
	var diags []Diagnostic

	p := pool.New().WithMaxGoroutines(runtime.NumCPU())
	for _, s := range series {
		p.Go(func() {
			set, diag := replayInstrument(s, factory)
			mu.Lock()
			signals[s.Instrument] = set
			if diag != nil {
				diags = append(diags, *diag)
			}
			mu.Unlock()
		})
	}
	p.Wait()
	return signals, diags
}

func replayInstrument(s Series, factory StrategyFactory) (set *signalSet, diag *Diagnostic) {
	set = newSignalSet()

	defer func() {
		if r := recover(); r != nil {
			diag = &Diagnostic{
				Instrument: s.Instrument,
				Stage:      "replay",
				Message:    fmt.Sprintf("strategy panic: %v", r),
			}
			observability.Log().Error("strategy panic",
				observability.F("symbol", s.Instrument.Symbol),
				observability.F("panic", r),
			)
		}
	}()

	strategy := factory()
	if err := strategy.OnInit(); err != nil {
		return set, &Diagnostic{Instrument: s.Instrument, Stage: "init", Message: err.Error()}
	}

	for _, bar := range s.Bars {
		order, err := strategy.OnBar(bar)
		if err != nil {
			return set, &Diagnostic{Instrument: s.Instrument, Stage: "bar", Message: err.Error()}
		}
		if order == nil {
			continue
		}
		ts := bar.Timestamp.UnixNano()
		switch order.Side {
		case SideBuy:
			set.entries[ts] = true
		case SideSell:
			set.exits[ts] = true
		}
	}

	if len(s.Bars) > 0 {
		// Any order produced during OnStop is ignored: the end-of-run
		// sweep already forces open positions closed.
		if err := strategy.OnStop(s.Bars[len(s.Bars)-1]); err != nil {
			return set, &Diagnostic{Instrument: s.Instrument, Stage: "stop", Message: err.Error()}
		}
	}
	return set, nil
}
