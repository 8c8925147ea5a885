package dispatcher

import (
	"hash/fnv"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantmill/strand/config"
	"github.com/quantmill/strand/internal/schema"
)

// Sharded partitions events across N single-worker dispatchers keyed by
// symbol. Events for one symbol always land on the same shard, so per-symbol
// order is structural; different symbols execute concurrently.
type Sharded struct {
	shards []*Dispatcher
	rr     atomic.Uint64
}

// NewSharded constructs cfg.NumShards dispatchers, each with its own queue
// and exactly one worker.
func NewSharded(cfg config.DispatcherConfig, reg prometheus.Registerer) *Sharded {
	shardCount := cfg.NumShards
	if shardCount <= 0 {
		shardCount = 1
	}
	metrics := NewMetrics(reg)

	shardCfg := cfg
	shardCfg.NumWorkers = 1

	s := &Sharded{shards: make([]*Dispatcher, shardCount)}
	for i := 0; i < shardCount; i++ {
		s.shards[i] = New(shardCfg, WithMetrics(metrics, strconv.Itoa(i)))
	}
	return s
}

// Register adds the handler on every shard; an event reaches exactly one
// shard, so the handler still fires once per event.
func (s *Sharded) Register(typ schema.EventType, fn Handler) []HandlerID {
	ids := make([]HandlerID, len(s.shards))
	for i, shard := range s.shards {
		ids[i] = shard.Register(typ, fn)
	}
	return ids
}

// Unregister removes a registration made via Register.
func (s *Sharded) Unregister(typ schema.EventType, ids []HandlerID) {
	for i, shard := range s.shards {
		if i < len(ids) {
			shard.Unregister(typ, ids[i])
		}
	}
}

// Start starts every shard. Idempotent.
func (s *Sharded) Start() {
	for _, shard := range s.shards {
		shard.Start()
	}
}

// Stop stops every shard. Idempotent.
func (s *Sharded) Stop() {
	for _, shard := range s.shards {
		shard.Stop()
	}
}

// Publish enqueues a freshly stamped event on the shard owning symbol.
func (s *Sharded) Publish(typ schema.EventType, payload any, priority schema.Priority, symbol string) bool {
	return s.Put(schema.NewEvent(typ, payload, priority, symbol), false, 0)
}

// Put routes the event by its symbol. Symbolless events round-robin.
func (s *Sharded) Put(evt *schema.Event, block bool, timeout time.Duration) bool {
	if evt == nil {
		return false
	}
	return s.shards[s.shardFor(evt.Symbol)].Put(evt, block, timeout)
}

// ShardFor exposes the routing function: stable hash of symbol mod N.
func (s *Sharded) ShardFor(symbol string) int {
	return s.shardFor(symbol)
}

func (s *Sharded) shardFor(symbol string) int {
	if symbol == "" {
		return int(s.rr.Add(1) % uint64(len(s.shards)))
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// IsHealthy reports true only when every shard is healthy.
func (s *Sharded) IsHealthy() bool {
	for _, shard := range s.shards {
		if !shard.IsHealthy() {
			return false
		}
	}
	return true
}

// GetStats aggregates counters across shards. Latency percentiles are not
// aggregable without merged samples, so the aggregate reports the worst
// shard's P99 and the mean of shard averages.
func (s *Sharded) GetStats() Snapshot {
	agg := Snapshot{PerPriority: make(map[string]uint64, schema.NumPriorities)}
	agg.Healthy = true
	var avgSum time.Duration
	var queueSum float64
	for _, shard := range s.shards {
		snap := shard.GetStats()
		agg.Received += snap.Received
		agg.Processed += snap.Processed
		agg.Dropped += snap.Dropped
		agg.InFlight += snap.InFlight
		agg.QueueLen += snap.QueueLen
		for k, v := range snap.PerPriority {
			agg.PerPriority[k] += v
		}
		avgSum += snap.AvgProcessing
		queueSum += snap.AvgQueueSize
		if snap.P99Processing > agg.P99Processing {
			agg.P99Processing = snap.P99Processing
		}
		if snap.P50Processing > agg.P50Processing {
			agg.P50Processing = snap.P50Processing
		}
		if !snap.Healthy {
			agg.Healthy = false
		}
	}
	n := len(s.shards)
	agg.AvgProcessing = avgSum / time.Duration(n)
	agg.AvgQueueSize = queueSum / float64(n)
	if agg.Received > 0 {
		agg.DropRate = float64(agg.Dropped) / float64(agg.Received)
	}
	return agg
}

// GetShardStats returns the snapshot for one shard.
func (s *Sharded) GetShardStats(i int) Snapshot {
	if i < 0 || i >= len(s.shards) {
		return Snapshot{PerPriority: map[string]uint64{}}
	}
	return s.shards[i].GetStats()
}

// NumShards returns the shard count.
func (s *Sharded) NumShards() int {
	return len(s.shards)
}
