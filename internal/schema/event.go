// Package schema defines the canonical event model and market data types.
package schema

import (
	"sync/atomic"
	"time"
)

// Priority orders events in the dispatch queues. Lower values dequeue first.
type Priority uint8

const (
	// PriorityCritical events bypass backpressure drops entirely.
	PriorityCritical Priority = iota
	// PriorityHigh is for latency-sensitive market events.
	PriorityHigh
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityLow is for deferrable work.
	PriorityLow
	// PriorityBackground is for analytics and housekeeping events.
	PriorityBackground

	numPriorities = 5
)

// NumPriorities reports how many priority levels exist.
const NumPriorities = int(numPriorities)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p < numPriorities
}

// EventType names a category of event flowing through the dispatcher.
type EventType string

const (
	// EventTypeKline identifies candlestick events.
	EventTypeKline EventType = "kline"
	// EventTypeDepth identifies order book depth events.
	EventTypeDepth EventType = "depth"
	// EventTypeTrade identifies trade executions.
	EventTypeTrade EventType = "trade"
	// EventTypeTicker identifies 24h rolling ticker events.
	EventTypeTicker EventType = "ticker"
	// EventTypeMiniTicker identifies condensed ticker events.
	EventTypeMiniTicker EventType = "miniTicker"
	// EventTypeBookTicker identifies best bid/ask events.
	EventTypeBookTicker EventType = "bookTicker"
	// EventTypeEquity identifies backtest equity analytics events.
	EventTypeEquity EventType = "equity"
	// EventTypeFill identifies backtest fill analytics events.
	EventTypeFill EventType = "fill"
	// EventTypeConnection identifies ingestion connection state changes.
	EventTypeConnection EventType = "connection"
)

var sequenceCounter atomic.Uint64

// NextSequence returns the next value of the process-wide monotonic sequence.
// It guarantees FIFO tie-breaking among equal-priority events; 64-bit
// wraparound is accepted as a non-issue.
func NextSequence() uint64 {
	return sequenceCounter.Add(1)
}

// Event is an immutable record dispatched through the engine. The ordering
// key is (Priority, Sequence); Sequence is assigned at enqueue.
type Event struct {
	Priority  Priority  `json:"priority"`
	Sequence  uint64    `json:"sequence"`
	Timestamp int64     `json:"timestamp_ns"`
	Type      EventType `json:"type"`
	Symbol    string    `json:"symbol,omitempty"`
	Payload   any       `json:"payload"`
}

// NewEvent stamps a fresh event with the current time and the next sequence
// number. Callers must not mutate the event after handing it to a queue.
func NewEvent(typ EventType, payload any, priority Priority, symbol string) *Event {
	return &Event{
		Priority:  priority,
		Sequence:  NextSequence(),
		Timestamp: time.Now().UnixNano(),
		Type:      typ,
		Symbol:    symbol,
		Payload:   payload,
	}
}

// Before reports whether e precedes other in dispatch order.
func (e *Event) Before(other *Event) bool {
	if e.Priority != other.Priority {
		return e.Priority < other.Priority
	}
	return e.Sequence < other.Sequence
}

// CloneEvent returns a shallow copy of the event. Payloads are treated as
// immutable, so sharing them between clones is safe.
func CloneEvent(evt *Event) *Event {
	if evt == nil {
		return nil
	}
	clone := *evt
	return &clone
}
