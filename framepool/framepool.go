// Package framepool implements the bus stack's single-producer /
// single-consumer frame slot allocator: a fixed array of 255-byte slots
// handed out as single-owner handles that release without a lock.
package framepool

import (
	"errors"
	"sync"
	"sync/atomic"
)

// SlotBytes is the fixed capacity of one frame slot.
const SlotBytes = 255

var (
	// ErrAllocFailed is returned by Slice.Allocate when no free slot is
	// found in the slice's range.
	ErrAllocFailed = errors.New("framepool: no free slot")
	// ErrSplitBounds is returned by Split when at is 0 or the slice's
	// capacity.
	ErrSplitBounds = errors.New("framepool: split index out of bounds")
	// ErrBadLen is returned by Handle.SetLen for a length outside 1..=255.
	ErrBadLen = errors.New("framepool: length out of range")
	// ErrAlreadyTaken is returned by Storage.Take on its second call.
	ErrAlreadyTaken = errors.New("framepool: storage already taken")
)

// slot is one frame's backing storage: a fixed byte array plus an atomic
// flag/length byte. freelen == 0 means free; any non-zero value is the
// length of the live handle's view. Only Slice.Allocate may write a
// zero-to-nonzero transition; only Handle.Release may write the
// nonzero-to-zero transition.
type slot struct {
	data    [SlotBytes]byte
	freelen atomic.Uint32 // stored as uint32 to avoid the narrow atomic.Uint8 gap pre-1.19; only 0..255 ever used
}

// Storage is the backing array a Slice is carved from. It is normally a
// single process-wide value, taken into a Slice exactly once via Take.
type Storage struct {
	slots []slot
	taken atomic.Bool
	mu    sync.Mutex
}

// NewStorage allocates backing storage for n frame slots.
func NewStorage(n int) *Storage {
	return &Storage{slots: make([]slot, n)}
}

// Take converts the storage into a Slice exactly once. A second call
// returns ErrAlreadyTaken.
func (s *Storage) Take() (*Slice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken.Load() {
		return nil, ErrAlreadyTaken
	}
	s.taken.Store(true)
	return &Slice{slots: s.slots}, nil
}

// Slice is a contiguous, exclusively-owned view into a Storage's slots.
// It tracks a rotating allocation hint and may be split into two disjoint
// sub-slices.
type Slice struct {
	slots   []slot
	nextIdx int
}

// NewSlice wraps raw storage of n slots directly into a Slice, bypassing
// the one-shot Storage/Take dance. Useful in tests and for a Target's
// small dedicated receive pool.
func NewSlice(n int) *Slice {
	return &Slice{slots: make([]slot, n)}
}

// Capacity returns the number of slots in the slice.
func (s *Slice) Capacity() int { return len(s.slots) }

// CountAllocatable returns how many slots in the slice are currently free.
func (s *Slice) CountAllocatable() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].freelen.Load() == 0 {
			n++
		}
	}
	return n
}

// Allocate claims the first free slot found scanning from nextIdx forward
// (wrapping), marking it allocated at the maximum legal length (255) and
// returning a Handle over it. Returns ErrAllocFailed if no slot is free.
func (s *Slice) Allocate() (*Handle, error) {
	n := len(s.slots)
	if n == 0 {
		return nil, ErrAllocFailed
	}
	for i := 0; i < n; i++ {
		idx := (s.nextIdx + i) % n
		sl := &s.slots[idx]
		if sl.freelen.Load() == 0 {
			sl.freelen.Store(SlotBytes)
			s.nextIdx = (idx + 1) % n
			return &Handle{sl: sl}, nil
		}
	}
	return nil, ErrAllocFailed
}

// Split divides the slice at index at into a prefix [0,at) and a suffix
// [at,len). Splitting at 0 or at the slice's own capacity fails, since
// either half would be empty.
func (s *Slice) Split(at int) (left, right *Slice, err error) {
	if at <= 0 || at >= len(s.slots) {
		return nil, nil, ErrSplitBounds
	}
	return &Slice{slots: s.slots[:at]}, &Slice{slots: s.slots[at:]}, nil
}

// Handle is unique ownership of one allocated slot. Zero value is not
// usable; obtain one from Slice.Allocate.
type Handle struct {
	sl  *slot
	len int
}

// Len returns the handle's current observable length.
func (h *Handle) Len() int {
	if h.len == 0 {
		h.len = int(h.sl.freelen.Load())
	}
	return h.len
}

// SetLen changes the handle's observable length. n must be in 1..=255;
// 0 would alias the pool's free sentinel.
func (h *Handle) SetLen(n int) error {
	if n < 1 || n > SlotBytes {
		return ErrBadLen
	}
	h.len = n
	h.sl.freelen.Store(uint32(n))
	return nil
}

// Bytes returns a mutable view of exactly Len() bytes of the slot.
func (h *Handle) Bytes() []byte {
	return h.sl.data[:h.Len()]
}

// FullBuffer returns the full 255-byte backing array, ignoring Len. Useful
// when a receive call needs the whole slot as scratch space before
// calling SetLen with the actual byte count read.
func (h *Handle) FullBuffer() []byte {
	return h.sl.data[:]
}

// Release returns the slot to its pool with a release-ordered store of 0.
// No further use of the handle is valid afterward. A second call stores 0
// again; if the slot has been allocated again in between, that releases the
// new owner's slot.
func (h *Handle) Release() {
	h.sl.freelen.Store(0)
}
