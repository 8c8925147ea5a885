// Package dispatcher implements the bounded, priority-aware event bus with
// worker fan-out, backpressure, and sharded per-symbol ordering.
package dispatcher

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantmill/strand/config"
	"github.com/quantmill/strand/internal/observability"
	"github.com/quantmill/strand/internal/queue"
	"github.com/quantmill/strand/internal/schema"
)

// Handler consumes a dispatched event. Handlers must be pure consumers; a
// handler that needs to emit does so via an injected publish capability,
// never a back-reference to the dispatcher.
type Handler func(evt *schema.Event)

// HandlerID identifies a registration for later removal. Function values are
// not comparable in Go, so registration hands back a token instead.
type HandlerID = uuid.UUID

// workerPoll bounds how long a worker waits in Get before re-checking the
// stop flag.
const workerPoll = 100 * time.Millisecond

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Dispatcher owns one bounded priority queue, a type-to-handler registry,
// and a pool of workers draining the queue.
type Dispatcher struct {
	cfg   config.DispatcherConfig
	queue *queue.PriorityQueue
	stats *Stats

	metrics *Metrics
	shard   string

	handlerMu sync.RWMutex
	handlers  map[schema.EventType][]handlerEntry

	lifeMu  sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithMetrics attaches a shared Prometheus metrics block. The label
// distinguishes this dispatcher when several share one block.
func WithMetrics(m *Metrics, label string) Option {
	return func(d *Dispatcher) {
		d.metrics = m
		d.shard = label
	}
}

// New constructs a dispatcher from validated configuration.
func New(cfg config.DispatcherConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		queue:    queue.New(cfg.MaxQueueSize),
		stats:    NewStats(cfg.UnhealthyDropRate, cfg.GracefulDegradation),
		shard:    "0",
		handlers: make(map[schema.EventType][]handlerEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler for the event type and returns its removal token.
func (d *Dispatcher) Register(typ schema.EventType, fn Handler) HandlerID {
	id := uuid.New()
	d.handlerMu.Lock()
	d.handlers[typ] = append(d.handlers[typ], handlerEntry{id: id, fn: fn})
	d.handlerMu.Unlock()
	return id
}

// Unregister removes a previously registered handler. It reports whether the
// token was found.
func (d *Dispatcher) Unregister(typ schema.EventType, id HandlerID) bool {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	entries := d.handlers[typ]
	for i, entry := range entries {
		if entry.id == id {
			d.handlers[typ] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Start spawns the worker pool. Idempotent; a stopped dispatcher stays
// stopped.
func (d *Dispatcher) Start() {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.running || d.stopped {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	workers := d.cfg.NumWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop signals workers, joins them, and closes the queue. Queued events past
// the stop point are discarded. Idempotent.
func (d *Dispatcher) Stop() {
	d.lifeMu.Lock()
	if !d.running {
		d.stopped = true
		d.lifeMu.Unlock()
		return
	}
	d.running = false
	d.stopped = true
	close(d.stopCh)
	d.lifeMu.Unlock()

	d.wg.Wait()
	d.queue.Close()
}

// Publish enqueues a freshly stamped event without blocking.
func (d *Dispatcher) Publish(typ schema.EventType, payload any, priority schema.Priority, symbol string) bool {
	return d.Put(schema.NewEvent(typ, payload, priority, symbol), false, 0)
}

// Put applies the backpressure policy, then offers the event to the queue.
// Returns false when the event was dropped or refused. Only CRITICAL events
// are exempt from probabilistic backpressure drops.
func (d *Dispatcher) Put(evt *schema.Event, block bool, timeout time.Duration) bool {
	if evt == nil {
		return false
	}
	d.stats.RecordReceived(evt.Priority)
	d.metrics.observeReceived(d.shard, evt.Priority.String())

	if d.shouldDrop(evt.Priority) {
		d.markDropped(evt.Priority)
		return false
	}
	if !d.queue.Put(evt, block, timeout) {
		d.markDropped(evt.Priority)
		return false
	}
	return true
}

// shouldDrop implements graceful degradation: above the load threshold the
// drop probability for non-critical events rises linearly to 1.0 at a full
// queue.
func (d *Dispatcher) shouldDrop(priority schema.Priority) bool {
	if !d.cfg.BackpressureEnabled || priority == schema.PriorityCritical {
		return false
	}
	load := float64(d.queue.Len()) / float64(d.queue.Cap())
	threshold := d.cfg.BackpressureThreshold
	if load < threshold {
		return false
	}
	span := 1.0 - threshold
	if span <= 0 {
		return true
	}
	dropProb := (load - threshold) / span
	return rand.Float64() < dropProb
}

func (d *Dispatcher) markDropped(priority schema.Priority) {
	d.stats.RecordDropped()
	d.metrics.observeDropped(d.shard, priority.String())
	d.metrics.observeHealth(d.shard, d.stats.Healthy())
}

// IsHealthy reports whether the sliding-window drop rate is within the
// configured limit. Recovery is automatic once load falls.
func (d *Dispatcher) IsHealthy() bool {
	return d.stats.Healthy()
}

// GetStats returns a consistent statistics snapshot.
func (d *Dispatcher) GetStats() Snapshot {
	return d.stats.Snapshot(d.queue.Len())
}

// QueueLen returns the current queue depth.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		evt, ok := d.queue.Get(true, workerPoll)
		if !ok {
			continue
		}
		d.process(evt)
	}
}

func (d *Dispatcher) process(evt *schema.Event) {
	d.stats.BeginWork(d.queue.Len())
	start := time.Now()

	d.handlerMu.RLock()
	entries := d.handlers[evt.Type]
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	d.handlerMu.RUnlock()

	for _, entry := range snapshot {
		d.invoke(entry, evt)
	}

	elapsed := time.Since(start)
	d.stats.EndWork(elapsed)
	d.metrics.observeProcessed(d.shard, elapsed, d.queue.Len())
}

// invoke runs one handler with panic isolation. A fault in one handler never
// prevents subsequent handlers or future events.
func (d *Dispatcher) invoke(entry handlerEntry, evt *schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("handler fault",
				observability.F("type", string(evt.Type)),
				observability.F("symbol", evt.Symbol),
				observability.F("handler", entry.id.String()),
				observability.F("panic", r),
			)
		}
	}()
	entry.fn(evt)
}
