// Package peer implements the Controller's per-logical-address state
// machine: lifecycle (Free/Pending/Active/Known), the liveness counter,
// and the bounded to-peer/from-peer frame queues.
package peer

import (
	"time"

	"linebus/framepool"
)

// State is one peer slot's lifecycle stage.
type State int

const (
	Free State = iota
	Pending
	Active
	Known
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Known:
		return "known"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the two observable lifecycle transitions
// external code may care about.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
)

// Event describes one Connected/Disconnected transition, identified by the
// slot's logical address and its UID at the time of the transition.
type Event struct {
	Kind EventKind
	Addr uint8
	MAC  uint64
}

// Record is one Controller slot: its lifecycle state, error counter, UID,
// a dedicated incoming frame pool, and the two bounded frame queues.
//
// Record is not safe for concurrent use by itself; the Controller
// synchronizes all access to its peer table with a single mutex (see
// package controller).
type Record struct {
	addr         uint8
	state        State
	counter      uint8
	mac          uint64
	knownSince   time.Time
	incomingPool *framepool.Slice
	toPeer       ring
	fromPeer     ring
}

// New constructs a Free record at addr, using pool as its dedicated
// incoming-frame allocator.
func New(addr uint8, pool *framepool.Slice, outgoingCap, incomingCap int) *Record {
	return &Record{
		addr:         addr,
		state:        Free,
		incomingPool: pool,
		toPeer:       newRing(outgoingCap),
		fromPeer:     newRing(incomingCap),
	}
}

func (r *Record) Addr() uint8   { return r.addr }
func (r *Record) State() State  { return r.state }
func (r *Record) MAC() uint64   { return r.mac }
func (r *Record) Counter() uint8 { return r.counter }

// clearQueues drops (and releases) every frame handle still queued in
// either direction. Called on every state transition per spec.
func (r *Record) clearQueues() {
	for {
		h, ok := r.toPeer.pop()
		if !ok {
			break
		}
		h.Release()
	}
	for {
		h, ok := r.fromPeer.pop()
		if !ok {
			break
		}
		h.Release()
	}
}

// PromoteToPending moves a Free slot to Pending with the claiming mac.
// Panics if called on a non-Free slot — this mirrors the teacher's own
// precondition panics for programmer errors rather than silently
// corrupting state.
func (r *Record) PromoteToPending(mac uint64) {
	if r.state != Free {
		panic("peer: PromoteToPending requires Free state")
	}
	r.mac = mac
	r.clearQueues()
	r.state = Pending
	r.counter = 0
}

// PromoteToActive moves a Pending or Known slot to Active, keeping mac.
func (r *Record) PromoteToActive() {
	if r.state != Pending && r.state != Known {
		panic("peer: PromoteToActive requires Pending or Known state")
	}
	r.clearQueues()
	r.state = Active
	r.counter = 0
}

// PromoteToKnownWithMAC warm-seeds a Free slot directly to Known, e.g.
// from a prior session's remembered MAC list.
func (r *Record) PromoteToKnownWithMAC(mac uint64, now time.Time) {
	if r.state != Free {
		panic("peer: PromoteToKnownWithMAC requires Free state")
	}
	r.mac = mac
	r.knownSince = now
	r.state = Known
}

// ResetToKnown demotes an Active slot to Known, keeping mac.
func (r *Record) ResetToKnown(now time.Time) {
	if r.state != Active {
		panic("peer: ResetToKnown requires Active state")
	}
	r.clearQueues()
	r.knownSince = now
	r.state = Known
}

// ResetToFree clears mac and queues and returns the slot to Free from any
// state.
func (r *Record) ResetToFree() {
	r.clearQueues()
	r.mac = 0
	r.state = Free
	r.counter = 0
}

// SetSuccess clears the error counter without otherwise changing state.
func (r *Record) SetSuccess() {
	r.counter = 0
}

// IncrementError applies the per-state error policy from spec.md §4.2. It
// returns the Event produced by any resulting demotion/eviction, or
// (Event{}, false) if nothing observable happened.
func (r *Record) IncrementError(now time.Time) (Event, bool) {
	switch r.state {
	case Free, Known:
		// Free: nothing to penalize. Known: informational; the timeout in
		// Controller Phase C drives freshness, not error counting.
		return Event{}, false
	case Pending:
		mac := r.mac
		addr := r.addr
		r.ResetToFree()
		return Event{Kind: Disconnected, Addr: addr, MAC: mac}, true
	case Active:
		r.counter++
		if r.counter > 3 {
			r.ResetToKnown(now)
			return Event{Kind: Disconnected, Addr: r.addr, MAC: r.mac}, true
		}
		return Event{}, false
	default:
		return Event{}, false
	}
}

// Expired reports whether a Known slot's age has reached timeout as of now.
func (r *Record) Expired(now time.Time, timeout time.Duration) bool {
	if r.state != Known {
		return false
	}
	return now.Sub(r.knownSince) >= timeout
}

// IsIdle reports whether the slot is eligible to receive a fresh
// DiscoveryOffer: Free, with every slot in its incoming pool free.
func (r *Record) IsIdle() bool {
	if r.state != Free {
		return false
	}
	return r.incomingPool.CountAllocatable() == r.incomingPool.Capacity()
}

// AllocIncoming allocates a frame handle from the slot's dedicated
// incoming pool.
func (r *Record) AllocIncoming() (*framepool.Handle, error) {
	return r.incomingPool.Allocate()
}

// IsActiveMAC reports whether the slot is Active and holds this mac.
func (r *Record) IsActiveMAC(mac uint64) bool {
	return r.state == Active && r.mac == mac
}

// EnqueueIncoming pushes a received frame onto from_peer. Per the data
// model invariant (from_peer's capacity equals the incoming pool's slot
// count), this cannot fail in correct use; it panics on overflow to
// surface a violated invariant loudly rather than silently drop data.
func (r *Record) EnqueueIncoming(h *framepool.Handle) {
	if !r.fromPeer.push(h) {
		panic("peer: from_peer overflow violates capacity invariant")
	}
}

// EnqueueOutgoing pushes a frame onto to_peer. Returns false (with the
// frame handle unchanged, for the caller to retry) if the queue is full.
func (r *Record) EnqueueOutgoing(h *framepool.Handle) bool {
	return r.toPeer.push(h)
}

// DequeueIncoming pops the oldest from_peer frame, if any.
func (r *Record) DequeueIncoming() (*framepool.Handle, bool) {
	return r.fromPeer.pop()
}

// DequeueOutgoing pops the oldest to_peer frame, if any.
func (r *Record) DequeueOutgoing() (*framepool.Handle, bool) {
	return r.toPeer.pop()
}

// ring is a small bounded FIFO of frame handles, backing to_peer/from_peer.
type ring struct {
	buf   []*framepool.Handle
	head  int
	count int
}

func newRing(capacity int) ring {
	return ring{buf: make([]*framepool.Handle, capacity)}
}

func (r *ring) push(h *framepool.Handle) bool {
	if r.count == len(r.buf) {
		return false
	}
	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = h
	r.count++
	return true
}

func (r *ring) pop() (*framepool.Handle, bool) {
	if r.count == 0 {
		return nil, false
	}
	h := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return h, true
}
