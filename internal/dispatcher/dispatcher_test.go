package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantmill/strand/config"
	"github.com/quantmill/strand/internal/schema"
)

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		MaxQueueSize:          100,
		NumWorkers:            1,
		NumShards:             4,
		BackpressureEnabled:   true,
		BackpressureThreshold: 0.8,
		GracefulDegradation:   true,
		UnhealthyDropRate:     0.05,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandlersReceivePublishedEvents(t *testing.T) {
	d := New(testConfig())
	defer d.Stop()

	var got atomic.Int64
	d.Register(schema.EventTypeTrade, func(evt *schema.Event) {
		got.Add(1)
	})
	d.Start()

	for i := 0; i < 10; i++ {
		if !d.Publish(schema.EventTypeTrade, i, schema.PriorityNormal, "BTCUSDT") {
			t.Fatalf("publish %d refused", i)
		}
	}
	waitFor(t, func() bool { return got.Load() == 10 }, "handlers did not observe all events")
}

func TestUnregisterStopsDelivery(t *testing.T) {
	d := New(testConfig())
	defer d.Stop()

	var first, second atomic.Int64
	id := d.Register(schema.EventTypeTrade, func(*schema.Event) { first.Add(1) })
	d.Register(schema.EventTypeTrade, func(*schema.Event) { second.Add(1) })
	d.Start()

	d.Publish(schema.EventTypeTrade, nil, schema.PriorityNormal, "")
	waitFor(t, func() bool { return second.Load() == 1 }, "pre-unregister delivery missing")

	if !d.Unregister(schema.EventTypeTrade, id) {
		t.Fatal("unregister did not find handler")
	}
	d.Publish(schema.EventTypeTrade, nil, schema.PriorityNormal, "")
	waitFor(t, func() bool { return second.Load() == 2 }, "post-unregister delivery missing")
	if first.Load() != 1 {
		t.Fatalf("unregistered handler still invoked: %d", first.Load())
	}
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	d := New(testConfig())
	defer d.Stop()

	var survived atomic.Int64
	d.Register(schema.EventTypeTrade, func(*schema.Event) { panic("handler fault") })
	d.Register(schema.EventTypeTrade, func(*schema.Event) { survived.Add(1) })
	d.Start()

	d.Publish(schema.EventTypeTrade, nil, schema.PriorityNormal, "")
	d.Publish(schema.EventTypeTrade, nil, schema.PriorityNormal, "")
	waitFor(t, func() bool { return survived.Load() == 2 }, "worker died after handler panic")
}

func TestBackpressureDropsNonCritical(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 10
	cfg.BackpressureThreshold = 0.5
	d := New(cfg)
	defer d.Stop()

	d.Register(schema.EventTypeTrade, func(*schema.Event) {
		time.Sleep(50 * time.Millisecond)
	})
	d.Start()

	refused := 0
	for i := 0; i < 20; i++ {
		if !d.Publish(schema.EventTypeTrade, i, schema.PriorityNormal, "") {
			refused++
		}
	}
	if refused == 0 {
		t.Fatal("expected some non-blocking puts to be refused under load")
	}
	snap := d.GetStats()
	if snap.Dropped == 0 {
		t.Fatalf("expected dropped > 0, stats: %+v", snap)
	}
	if snap.Received != 20 {
		t.Fatalf("received = %d, want 20", snap.Received)
	}
}

func TestCriticalSurvivesSaturation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 10
	cfg.BackpressureThreshold = 0.5
	d := New(cfg)
	defer d.Stop()

	var mu sync.Mutex
	var order []string
	d.Register(schema.EventTypeTrade, func(evt *schema.Event) {
		mu.Lock()
		order = append(order, evt.Payload.(string))
		mu.Unlock()
	})

	// Enqueue before starting so the queue is saturated past the threshold
	// when the critical event arrives.
	for i := 0; i < 5; i++ {
		d.Put(schema.NewEvent(schema.EventTypeTrade, "normal", schema.PriorityNormal, ""), false, 0)
	}
	if !d.Put(schema.NewEvent(schema.EventTypeTrade, "critical", schema.PriorityCritical, ""), false, 0) {
		t.Fatal("critical event must be accepted while space remains")
	}

	d.Start()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 6
	}, "events not drained")

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "critical" {
		t.Fatalf("critical must be dequeued first, got order %v", order)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	d := New(testConfig())
	d.Start()
	d.Start()
	d.Stop()
	d.Stop()

	if d.Publish(schema.EventTypeTrade, nil, schema.PriorityNormal, "") {
		t.Fatal("put after stop must be refused")
	}
}

func TestStatsInvariantAtQuiescence(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 5
	cfg.BackpressureEnabled = false
	d := New(cfg)
	defer d.Stop()

	// Not started: accepted events stay queued, overflow is dropped.
	for i := 0; i < 8; i++ {
		d.Publish(schema.EventTypeTrade, i, schema.PriorityNormal, "")
	}
	snap := d.GetStats()
	if snap.Received != snap.Processed+snap.Dropped+uint64(snap.QueueLen)+uint64(snap.InFlight) {
		t.Fatalf("invariant violated: %+v", snap)
	}
	if snap.QueueLen != 5 || snap.Dropped != 3 {
		t.Fatalf("expected 5 queued and 3 dropped, got %+v", snap)
	}

	var done atomic.Int64
	d.Register(schema.EventTypeTrade, func(*schema.Event) { done.Add(1) })
	d.Start()
	waitFor(t, func() bool { return done.Load() == 5 }, "queued events not drained")

	snap = d.GetStats()
	if snap.Received != snap.Processed+snap.Dropped+uint64(snap.QueueLen)+uint64(snap.InFlight) {
		t.Fatalf("invariant violated after drain: %+v", snap)
	}
	if snap.Processed != 5 {
		t.Fatalf("processed = %d, want 5", snap.Processed)
	}
}

func TestPerPriorityCounts(t *testing.T) {
	cfg := testConfig()
	cfg.BackpressureEnabled = false
	d := New(cfg)
	defer d.Stop()

	d.Publish(schema.EventTypeTrade, nil, schema.PriorityCritical, "")
	d.Publish(schema.EventTypeTrade, nil, schema.PriorityNormal, "")
	d.Publish(schema.EventTypeTrade, nil, schema.PriorityNormal, "")
	d.Publish(schema.EventTypeTrade, nil, schema.PriorityBackground, "")

	snap := d.GetStats()
	if snap.PerPriority[schema.PriorityCritical.String()] != 1 {
		t.Fatalf("critical count wrong: %+v", snap.PerPriority)
	}
	if snap.PerPriority[schema.PriorityNormal.String()] != 2 {
		t.Fatalf("normal count wrong: %+v", snap.PerPriority)
	}
	if snap.PerPriority[schema.PriorityBackground.String()] != 1 {
		t.Fatalf("background count wrong: %+v", snap.PerPriority)
	}
}
