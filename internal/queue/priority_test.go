package queue

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/quantmill/strand/internal/schema"
)

func newEvent(p schema.Priority, payload any) *schema.Event {
	return schema.NewEvent(schema.EventTypeTrade, payload, p, "")
}

func TestPriorityOrderAcrossLevels(t *testing.T) {
	q := New(16)
	q.Put(newEvent(schema.PriorityLow, "low"), false, 0)
	q.Put(newEvent(schema.PriorityCritical, "critical"), false, 0)
	q.Put(newEvent(schema.PriorityNormal, "normal"), false, 0)
	q.Put(newEvent(schema.PriorityHigh, "high"), false, 0)
	q.Put(newEvent(schema.PriorityBackground, "bg"), false, 0)

	want := []string{"critical", "high", "normal", "low", "bg"}
	for i, expected := range want {
		evt, ok := q.Get(false, 0)
		if !ok {
			t.Fatalf("get %d: queue unexpectedly empty", i)
		}
		if evt.Payload.(string) != expected {
			t.Fatalf("get %d: got %v, want %s", i, evt.Payload, expected)
		}
	}
	if _, ok := q.Get(false, 0); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(128)
	for i := 0; i < 100; i++ {
		q.Put(newEvent(schema.PriorityNormal, i), false, 0)
	}
	for i := 0; i < 100; i++ {
		evt, ok := q.Get(false, 0)
		if !ok {
			t.Fatalf("unexpected empty queue at %d", i)
		}
		if evt.Payload.(int) != i {
			t.Fatalf("FIFO violated: got %v at position %d", evt.Payload, i)
		}
	}
}

func TestNonBlockingPutOnFullQueue(t *testing.T) {
	q := New(2)
	if !q.Put(newEvent(schema.PriorityNormal, 1), false, 0) {
		t.Fatalf("put into empty queue refused")
	}
	if !q.Put(newEvent(schema.PriorityNormal, 2), false, 0) {
		t.Fatalf("put into non-full queue refused")
	}
	if q.Put(newEvent(schema.PriorityNormal, 3), false, 0) {
		t.Fatalf("non-blocking put into full queue must return false")
	}
	if !q.IsFull() {
		t.Fatalf("queue should report full")
	}
}

func TestBlockingPutTimesOut(t *testing.T) {
	q := New(1)
	q.Put(newEvent(schema.PriorityNormal, 1), false, 0)

	start := time.Now()
	ok := q.Put(newEvent(schema.PriorityNormal, 2), true, 50*time.Millisecond)
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("put must time out on a full queue")
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("put returned too early: %s", elapsed)
	}
}

func TestBlockingGetWakesOnPut(t *testing.T) {
	q := New(4)
	done := make(chan *schema.Event, 1)
	go func() {
		evt, _ := q.Get(true, time.Second)
		done <- evt
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put(newEvent(schema.PriorityHigh, "wake"), false, 0)

	select {
	case evt := <-done:
		if evt == nil || evt.Payload.(string) != "wake" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked get never woke up")
	}
}

func TestBlockingPutWakesOnGet(t *testing.T) {
	q := New(1)
	q.Put(newEvent(schema.PriorityNormal, "first"), false, 0)

	done := make(chan bool, 1)
	go func() {
		done <- q.Put(newEvent(schema.PriorityNormal, "second"), true, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, ok := q.Get(false, 0); !ok {
		t.Fatalf("expected an event to drain")
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("blocked put should succeed after drain")
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked put never woke up")
	}
}

func TestCloseWakesWaitersAndDrains(t *testing.T) {
	q := New(2)
	q.Put(newEvent(schema.PriorityNormal, "left"), false, 0)

	got := make(chan bool, 1)
	go func() {
		// Waits for space that never arrives.
		q.Put(newEvent(schema.PriorityNormal, "x"), true, 0)
		q.Put(newEvent(schema.PriorityNormal, "y"), true, 0)
		got <- true
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatalf("close did not wake blocked putter")
	}

	if evt, ok := q.Get(false, 0); !ok || evt.Payload.(string) != "left" {
		t.Fatalf("closed queue must still drain, got %+v ok=%v", evt, ok)
	}
	if q.Put(newEvent(schema.PriorityNormal, "z"), false, 0) {
		t.Fatalf("put after close must be refused")
	}
}

func TestConcurrentFIFOProperty(t *testing.T) {
	const producers = 4
	const perProducer = 500

	q := New(producers * perProducer)
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if rand.Intn(4) == 0 {
					time.Sleep(time.Microsecond)
				}
				q.Put(newEvent(schema.PriorityNormal, nil), true, time.Second)
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < producers*perProducer; i++ {
		evt, ok := q.Get(false, 0)
		if !ok {
			t.Fatalf("queue drained early at %d", i)
		}
		if evt.Sequence <= last {
			t.Fatalf("sequence order violated: %d after %d", evt.Sequence, last)
		}
		last = evt.Sequence
	}
}
