package dispatcher

import (
	"sort"
	"sync"
	"time"

	"github.com/quantmill/strand/internal/schema"
)

const (
	latencyRingSize   = 512
	queueSizeRingSize = 512
	healthWindow      = 10 * time.Second
)

// Stats accumulates dispatcher counters and latency samples. One mutex
// guards everything; Snapshot clones under the lock so readers observe a
// consistent view. Counters never go backwards.
type Stats struct {
	mu sync.Mutex

	received    uint64
	processed   uint64
	dropped     uint64
	perPriority [schema.NumPriorities]uint64
	inFlight    int

	latencies  ring
	queueSizes ring

	// Two-bucket sliding window for the health drop rate. The current
	// bucket rotates into prev once healthWindow elapses, so the rate
	// always reflects at most 2x the window.
	winStart       time.Time
	winReceived    uint64
	winDropped     uint64
	prevReceived   uint64
	prevDropped    uint64
	unhealthyLimit float64
	degradation    bool
}

// Snapshot is a consistent copy of dispatcher statistics.
type Snapshot struct {
	Received       uint64             `json:"received"`
	Processed      uint64             `json:"processed"`
	Dropped        uint64             `json:"dropped"`
	InFlight       int                `json:"inFlight"`
	QueueLen       int                `json:"queueLen"`
	DropRate       float64            `json:"dropRate"`
	WindowDropRate float64            `json:"windowDropRate"`
	AvgProcessing  time.Duration      `json:"avgProcessing"`
	P50Processing  time.Duration      `json:"p50Processing"`
	P99Processing  time.Duration      `json:"p99Processing"`
	AvgQueueSize   float64            `json:"avgQueueSize"`
	PerPriority    map[string]uint64  `json:"perPriority"`
	Healthy        bool               `json:"healthy"`
}

// NewStats constructs a stats block. unhealthyLimit is the sliding-window
// drop rate above which the dispatcher reports unhealthy.
func NewStats(unhealthyLimit float64, degradation bool) *Stats {
	s := &Stats{
		unhealthyLimit: unhealthyLimit,
		degradation:    degradation,
		winStart:       time.Now(),
	}
	s.latencies.init(latencyRingSize)
	s.queueSizes.init(queueSizeRingSize)
	return s
}

// RecordReceived counts an enqueue attempt, accepted or not.
func (s *Stats) RecordReceived(priority schema.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked(time.Now())
	s.received++
	s.winReceived++
	if priority.Valid() {
		s.perPriority[priority]++
	}
}

// RecordDropped counts a refused or backpressure-dropped event.
func (s *Stats) RecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked(time.Now())
	s.dropped++
	s.winDropped++
}

// BeginWork marks an event as dequeued and in flight.
func (s *Stats) BeginWork(queueLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	s.queueSizes.push(float64(queueLen))
}

// EndWork marks an in-flight event as fully handled.
func (s *Stats) EndWork(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.processed++
	s.latencies.push(float64(elapsed))
}

// Healthy reports whether the sliding-window drop rate is within the limit.
// Always true when graceful degradation is disabled.
func (s *Stats) Healthy() bool {
	if !s.degradation {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked(time.Now())
	return s.windowDropRateLocked() <= s.unhealthyLimit
}

// Snapshot returns a consistent copy of all counters and derived rates.
// queueLen is sampled by the caller so the received = processed + dropped +
// queueLen + inFlight identity holds at quiescence.
func (s *Stats) Snapshot(queueLen int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked(time.Now())

	snap := Snapshot{
		Received:       s.received,
		Processed:      s.processed,
		Dropped:        s.dropped,
		InFlight:       s.inFlight,
		QueueLen:       queueLen,
		WindowDropRate: s.windowDropRateLocked(),
		AvgQueueSize:   s.queueSizes.mean(),
		PerPriority:    make(map[string]uint64, schema.NumPriorities),
	}
	if s.received > 0 {
		snap.DropRate = float64(s.dropped) / float64(s.received)
	}
	for p := 0; p < schema.NumPriorities; p++ {
		snap.PerPriority[schema.Priority(p).String()] = s.perPriority[p]
	}
	snap.AvgProcessing = time.Duration(s.latencies.mean())
	p50, p99 := s.latencies.percentiles(0.50, 0.99)
	snap.P50Processing = time.Duration(p50)
	snap.P99Processing = time.Duration(p99)
	snap.Healthy = !s.degradation || snap.WindowDropRate <= s.unhealthyLimit
	return snap
}

func (s *Stats) rotateLocked(now time.Time) {
	if now.Sub(s.winStart) < healthWindow {
		return
	}
	s.prevReceived = s.winReceived
	s.prevDropped = s.winDropped
	s.winReceived = 0
	s.winDropped = 0
	s.winStart = now
}

func (s *Stats) windowDropRateLocked() float64 {
	received := s.winReceived + s.prevReceived
	if received == 0 {
		return 0
	}
	return float64(s.winDropped+s.prevDropped) / float64(received)
}

// ring is a fixed-size sample buffer for recent observations.
type ring struct {
	buf  []float64
	next int
	full bool
}

func (r *ring) init(size int) {
	r.buf = make([]float64, size)
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) samples() []float64 {
	if r.full {
		out := make([]float64, len(r.buf))
		copy(out, r.buf)
		return out
	}
	out := make([]float64, r.next)
	copy(out, r.buf[:r.next])
	return out
}

func (r *ring) mean() float64 {
	samples := r.samples()
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func (r *ring) percentiles(q1, q2 float64) (float64, float64) {
	samples := r.samples()
	if len(samples) == 0 {
		return 0, 0
	}
	sort.Float64s(samples)
	pick := func(q float64) float64 {
		idx := int(q * float64(len(samples)-1))
		return samples[idx]
	}
	return pick(q1), pick(q2)
}
