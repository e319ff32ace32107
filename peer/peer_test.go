package peer

import (
	"testing"
	"time"

	"linebus/framepool"
)

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	pool := framepool.NewSlice(4)
	return New(7, pool, 8, 4)
}

func TestFreeStateImpliesZeroMAC(t *testing.T) {
	r := newTestRecord(t)
	if r.State() != Free || r.MAC() != 0 {
		t.Fatalf("new record: state=%v mac=%d, want Free/0", r.State(), r.MAC())
	}
}

func TestPromotionLifecycle(t *testing.T) {
	r := newTestRecord(t)
	r.PromoteToPending(0x1122334455667788)
	if r.State() != Pending || r.MAC() != 0x1122334455667788 {
		t.Fatalf("after PromoteToPending: state=%v mac=%x", r.State(), r.MAC())
	}
	r.PromoteToActive()
	if r.State() != Active {
		t.Fatalf("after PromoteToActive: state=%v", r.State())
	}
	if r.Counter() != 0 {
		t.Fatalf("counter after promote = %d, want 0", r.Counter())
	}
}

func TestIncrementErrorPendingIsOneStrike(t *testing.T) {
	r := newTestRecord(t)
	r.PromoteToPending(42)
	ev, ok := r.IncrementError(time.Now())
	if !ok {
		t.Fatal("expected an event on Pending->Free demotion")
	}
	if ev.Kind != Disconnected || ev.MAC != 42 {
		t.Errorf("event = %+v, want Disconnected mac=42", ev)
	}
	if r.State() != Free || r.MAC() != 0 {
		t.Errorf("after one Pending error: state=%v mac=%d, want Free/0", r.State(), r.MAC())
	}
}

func TestIncrementErrorActiveDemotesAfterFourErrors(t *testing.T) {
	r := newTestRecord(t)
	r.PromoteToPending(7)
	r.PromoteToActive()
	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, ok := r.IncrementError(now); ok {
			t.Fatalf("error %d unexpectedly produced an event (counter=%d)", i+1, r.Counter())
		}
	}
	if r.Counter() != 3 {
		t.Fatalf("counter = %d, want 3", r.Counter())
	}
	if r.State() != Active {
		t.Fatalf("state after 3 errors = %v, want Active", r.State())
	}
	ev, ok := r.IncrementError(now)
	if !ok || r.State() != Known {
		t.Fatalf("4th error: ok=%v state=%v, want ok demoting to Known", ok, r.State())
	}
	if ev.Kind != Disconnected {
		t.Errorf("event kind = %v, want Disconnected", ev.Kind)
	}

	// A 5th timeout on the now-Known slot does not re-demote (Known errors
	// are ignored; freshness is timeout-driven).
	if _, ok := r.IncrementError(now); ok {
		t.Error("5th error on a Known slot unexpectedly produced an event")
	}
	if r.State() != Known {
		t.Errorf("state after 5th error = %v, want still Known", r.State())
	}
}

func TestIncrementErrorFreeIsIgnored(t *testing.T) {
	r := newTestRecord(t)
	if _, ok := r.IncrementError(time.Now()); ok {
		t.Error("IncrementError on Free slot unexpectedly produced an event")
	}
	if r.State() != Free {
		t.Errorf("state = %v, want Free", r.State())
	}
}

func TestKnownExpiry(t *testing.T) {
	r := newTestRecord(t)
	r.PromoteToPending(9)
	r.PromoteToActive()
	now := time.Now()
	for i := 0; i < 4; i++ {
		r.IncrementError(now)
	}
	if r.State() != Known {
		t.Fatalf("state = %v, want Known", r.State())
	}
	if r.Expired(now, 5*time.Second) {
		t.Error("slot reported expired immediately after demotion")
	}
	later := now.Add(5 * time.Second)
	if !r.Expired(later, 5*time.Second) {
		t.Error("slot not expired after exactly KNOWN_TIMEOUT has elapsed")
	}
}

func TestIsIdleRequiresFreeAndEmptyPool(t *testing.T) {
	pool := framepool.NewSlice(2)
	r := New(3, pool, 8, 2)
	if !r.IsIdle() {
		t.Fatal("fresh Free record with empty pool should be idle")
	}
	h, err := pool.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if r.IsIdle() {
		t.Error("record with an outstanding pool allocation should not be idle")
	}
	h.Release()
	if !r.IsIdle() {
		t.Error("record should be idle again once the pool allocation is released")
	}
	r.PromoteToPending(1)
	if r.IsIdle() {
		t.Error("non-Free record should never be idle")
	}
}

func TestEnqueueOutgoingQueueFull(t *testing.T) {
	pool := framepool.NewSlice(8)
	r := New(1, pool, 2, 4)
	r.PromoteToPending(1)
	r.PromoteToActive()
	h1, _ := pool.Allocate()
	h2, _ := pool.Allocate()
	h3, _ := pool.Allocate()
	if !r.EnqueueOutgoing(h1) {
		t.Fatal("first enqueue should succeed")
	}
	if !r.EnqueueOutgoing(h2) {
		t.Fatal("second enqueue should succeed (capacity 2)")
	}
	if r.EnqueueOutgoing(h3) {
		t.Fatal("third enqueue should fail: queue at capacity")
	}
	h3.Release()
	if _, ok := r.DequeueOutgoing(); !ok {
		t.Fatal("dequeue should return the first queued frame")
	}
}
