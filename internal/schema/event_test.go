package schema

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPriorityOrdering(t *testing.T) {
	a := &Event{Priority: PriorityCritical, Sequence: 10}
	b := &Event{Priority: PriorityNormal, Sequence: 1}
	if !a.Before(b) {
		t.Fatalf("critical must precede normal regardless of sequence")
	}
	c := &Event{Priority: PriorityNormal, Sequence: 2}
	if !b.Before(c) {
		t.Fatalf("equal priority must order by sequence")
	}
	if c.Before(b) {
		t.Fatalf("ordering must be asymmetric")
	}
}

func TestNextSequenceMonotonicUnderConcurrency(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 1000

	seen := make([]map[uint64]struct{}, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		seen[g] = make(map[uint64]struct{}, perGoroutine)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				seen[g][NextSequence()] = struct{}{}
			}
		}(g)
	}
	wg.Wait()

	all := make(map[uint64]struct{}, goroutines*perGoroutine)
	for _, m := range seen {
		for seq := range m {
			if _, dup := all[seq]; dup {
				t.Fatalf("duplicate sequence %d", seq)
			}
			all[seq] = struct{}{}
		}
	}
	if len(all) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique sequences, got %d", goroutines*perGoroutine, len(all))
	}
}

func TestNewEventStampsSequenceAndTime(t *testing.T) {
	before := time.Now().UnixNano()
	evt := NewEvent(EventTypeTrade, "payload", PriorityHigh, "BTCUSDT")
	after := time.Now().UnixNano()

	if evt.Sequence == 0 {
		t.Fatalf("sequence not assigned")
	}
	if evt.Timestamp < before || evt.Timestamp > after {
		t.Fatalf("timestamp %d outside [%d, %d]", evt.Timestamp, before, after)
	}
	if evt.Symbol != "BTCUSDT" || evt.Type != EventTypeTrade || evt.Priority != PriorityHigh {
		t.Fatalf("event fields not carried: %+v", evt)
	}
}

func TestCloneEvent(t *testing.T) {
	evt := NewEvent(EventTypeKline, KlinePayload{Symbol: "ETHUSDT"}, PriorityNormal, "ETHUSDT")
	clone := CloneEvent(evt)
	if clone == evt {
		t.Fatalf("clone must be a distinct allocation")
	}
	if *clone != *evt {
		t.Fatalf("clone fields diverge: %+v vs %+v", clone, evt)
	}
	if CloneEvent(nil) != nil {
		t.Fatalf("cloning nil must yield nil")
	}
}

func TestInstrumentID(t *testing.T) {
	id := NewInstrumentID(" btcusdt ", " Binance ")
	if id.Symbol != "BTCUSDT" || id.Venue != "binance" {
		t.Fatalf("canonicalisation failed: %+v", id)
	}
	if err := id.Validate(); err != nil {
		t.Fatalf("valid instrument rejected: %v", err)
	}
	if err := (InstrumentID{}).Validate(); err == nil {
		t.Fatalf("zero instrument must be rejected")
	}
	if err := (InstrumentID{Symbol: "BTCUSDT"}).Validate(); err == nil {
		t.Fatalf("missing venue must be rejected")
	}

	other := NewInstrumentID("btcusdt", "binance")
	if id != other {
		t.Fatalf("instrument IDs must be value-equal")
	}
}

func TestBarHoldsDecimalFields(t *testing.T) {
	bar := Bar{
		Instrument: NewInstrumentID("BTCUSDT", "binance"),
		Timestamp:  time.Unix(1700000000, 0).UTC(),
		Open:       decimal.RequireFromString("100.5"),
		Close:      decimal.RequireFromString("101.25"),
	}
	if !bar.Close.Sub(bar.Open).Equal(decimal.RequireFromString("0.75")) {
		t.Fatalf("decimal arithmetic mismatch")
	}
}
