// Package controller implements the bus stack's Controller Engine: the
// polling scheduler that serves Active peers, completes Pending claims,
// refreshes Known peers, and offers one fresh address per round.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"linebus/busconfig"
	"linebus/entropy"
	"linebus/framepool"
	"linebus/peer"
	"linebus/serial"
	"linebus/wire"
)

var (
	// ErrNoMatchingMAC is returned by Send/RecvFrom when no slot is
	// Active with the given UID.
	ErrNoMatchingMAC = errors.New("controller: no matching mac")
	// ErrNoMessage is returned by RecvFrom when the matching peer's
	// from_peer queue is empty.
	ErrNoMessage = errors.New("controller: no message")
)

// QueueFullError is returned by Send when the target peer's to_peer queue
// is full. The caller's frame handle is returned unchanged so
// back-pressure never drops data; the caller may retry after the next
// Step.
type QueueFullError struct {
	Frame *framepool.Handle
}

func (e *QueueFullError) Error() string { return "controller: outgoing queue full" }

// Controller owns the bus: the peer table and the single mutex that
// serializes Step against the Send/RecvFrom/Connected/AddKnownMACs
// surfaces used by application code.
type Controller struct {
	mu    sync.Mutex
	cfg   busconfig.Config
	rng   entropy.RandSource
	peers []*peer.Record

	// onEvent, if non-nil, is called synchronously with Connected when a
	// Pending or Known slot becomes Active, and with Disconnected when a
	// Pending slot falls back to Free or an Active slot is demoted to
	// Known. Free->Pending and Known->Free expiry emit nothing. It must
	// not block; a slow observer should
	// buffer internally (see adminapi.EventHub for exactly that shape).
	onEvent func(peer.Event)
}

// New builds a Controller with cfg.MaxTargets peer slots, each with its
// own dedicated incoming frame pool sized to cfg.IncomingSize.
func New(cfg busconfig.Config, rng entropy.RandSource, onEvent func(peer.Event)) *Controller {
	peers := make([]*peer.Record, cfg.MaxTargets)
	for i := range peers {
		pool := framepool.NewSlice(cfg.IncomingSize)
		peers[i] = peer.New(uint8(i), pool, cfg.OutgoingSize, cfg.IncomingSize)
	}
	return &Controller{cfg: cfg, rng: rng, peers: peers, onEvent: onEvent}
}

func (c *Controller) emit(ev peer.Event, ok bool) {
	if ok && c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Controller) recordErrorMetrics(ev peer.Event, ok bool) {
	peerErrorsTotal.Inc()
	c.emit(ev, ok)
}

// firstErr accumulates the first serial-level (non-timeout) error seen
// during a round, per spec.md §7's propagation policy.
type firstErr struct {
	err error
}

func (f *firstErr) set(err error) {
	if f.err == nil && err != nil && !errors.Is(err, serial.ErrTimeout) {
		f.err = err
	}
}

// Step performs one polling round: Phase A (serve Active), Phase B
// (complete Pending), Phase C (refresh Known), Phase D (offer one Free
// slot). All four run under the peer-table mutex, strictly in order. The
// first non-timeout serial error encountered is returned after the round
// completes; protocol-level mismatches are absorbed into per-peer error
// counters and never surfaced here.
func (c *Controller) Step(ctx context.Context, s serial.FrameSerial) error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { stepDuration.Observe(time.Since(start).Seconds()) }()

	var fe firstErr
	now := time.Now()

	c.phaseA(ctx, s, &fe)
	c.phaseB(ctx, s, &fe)
	c.phaseC(ctx, s, now, &fe)
	c.phaseD(ctx, s, &fe)

	c.updateGauges()
	return fe.err
}

func (c *Controller) updateGauges() {
	counts := map[peer.State]int{}
	for _, p := range c.peers {
		counts[p.State()]++
	}
	activePeers.Set(float64(counts[peer.Active]))
	peerStateByName.WithLabelValues("free").Set(float64(counts[peer.Free]))
	peerStateByName.WithLabelValues("pending").Set(float64(counts[peer.Pending]))
	peerStateByName.WithLabelValues("active").Set(float64(counts[peer.Active]))
	peerStateByName.WithLabelValues("known").Set(float64(counts[peer.Known]))
}

func (c *Controller) recvCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// phaseA serves every Active peer in ascending index order.
func (c *Controller) phaseA(ctx context.Context, s serial.FrameSerial, fe *firstErr) {
	for _, p := range c.peers {
		if p.State() != peer.Active {
			continue
		}
		c.servePeer(ctx, s, p, fe)
	}
}

func (c *Controller) servePeer(ctx context.Context, s serial.FrameSerial, p *peer.Record, fe *firstErr) {
	rxHandle, allocErr := p.AllocIncoming()
	if allocErr != nil {
		ev, ok := p.IncrementError(time.Now())
		c.recordErrorMetrics(ev, ok)
		return
	}
	released := false
	release := func() {
		if !released {
			rxHandle.Release()
			released = true
		}
	}
	defer release()

	out, usingQueuedFrame := p.DequeueOutgoing()
	var outBytes []byte
	if usingQueuedFrame {
		outBytes = out.Bytes()
	} else {
		var fallback [1]byte
		outBytes = fallback[:]
	}
	outBytes[0] = wire.Select(p.Addr()).Byte()

	if err := s.SendFrame(ctx, outBytes); err != nil {
		if usingQueuedFrame {
			out.Release()
		}
		ev, ok := p.IncrementError(time.Now())
		c.recordErrorMetrics(ev, ok)
		fe.set(err)
		return
	}
	if usingQueuedFrame {
		out.Release()
	}

	rctx, cancel := c.recvCtx(ctx, c.cfg.ReplyTimeout)
	tf, err := s.Recv(rctx, rxHandle.FullBuffer())
	cancel()
	if err != nil {
		ev, ok := p.IncrementError(time.Now())
		c.recordErrorMetrics(ev, ok)
		if !errors.Is(err, serial.ErrTimeout) {
			fe.set(err)
		}
		return
	}

	n := len(tf.Frame)
	if n == 0 || tf.Frame[0] != wire.ReplyFrom(p.Addr()).Byte() {
		ev, ok := p.IncrementError(time.Now())
		c.recordErrorMetrics(ev, ok)
		return
	}
	p.SetSuccess()
	if n > 1 {
		if err := rxHandle.SetLen(n); err != nil {
			return
		}
		p.EnqueueIncoming(rxHandle)
		released = true // ownership transferred to the from_peer queue
	}
}

// phaseB completes every Pending peer's DiscoverySuccess handshake.
func (c *Controller) phaseB(ctx context.Context, s serial.FrameSerial, fe *firstErr) {
	for _, p := range c.peers {
		if p.State() != peer.Pending {
			continue
		}
		c.completeHandshake(ctx, s, p, fe)
	}
}

// phaseC refreshes every Known peer, resetting expired ones to Free and
// re-confirming the rest with the same handshake as phaseB.
func (c *Controller) phaseC(ctx context.Context, s serial.FrameSerial, now time.Time, fe *firstErr) {
	for _, p := range c.peers {
		if p.State() != peer.Known {
			continue
		}
		if p.Expired(now, c.cfg.KnownTimeout) {
			p.ResetToFree()
			continue
		}
		c.completeHandshake(ctx, s, p, fe)
	}
}

// completeHandshake sends DiscoverySuccess(addr)||mac and expects a
// single-byte ReplyFromAddr(addr) ack, shared by Phase B and Phase C.
func (c *Controller) completeHandshake(ctx context.Context, s serial.FrameSerial, p *peer.Record, fe *firstErr) {
	var out [1 + wire.UIDLen]byte
	out[0] = wire.DiscoverySuccess(p.Addr()).Byte()
	wire.PutUID(out[1:], p.MAC())

	if err := s.SendFrame(ctx, out[:]); err != nil {
		ev, ok := p.IncrementError(time.Now())
		c.recordErrorMetrics(ev, ok)
		fe.set(err)
		return
	}

	rctx, cancel := c.recvCtx(ctx, c.cfg.ReplyTimeout)
	var buf [2]byte
	tf, err := s.Recv(rctx, buf[:])
	cancel()
	if err != nil {
		ev, ok := p.IncrementError(time.Now())
		c.recordErrorMetrics(ev, ok)
		if !errors.Is(err, serial.ErrTimeout) {
			fe.set(err)
		}
		return
	}

	if len(tf.Frame) == 1 && tf.Frame[0] == wire.ReplyFrom(p.Addr()).Byte() {
		p.PromoteToActive()
		c.emit(peer.Event{Kind: peer.Connected, Addr: p.Addr(), MAC: p.MAC()}, true)
		return
	}
	ev, ok := p.IncrementError(time.Now())
	c.recordErrorMetrics(ev, ok)
}

// phaseD offers at most one idle Free slot per round: the lowest-index
// one, or none if no slot is idle.
func (c *Controller) phaseD(ctx context.Context, s serial.FrameSerial, fe *firstErr) {
	var target *peer.Record
	for _, p := range c.peers {
		if p.State() == peer.Free && p.IsIdle() {
			target = p
			break
		}
	}
	if target == nil {
		return
	}

	var challenge [wire.UIDLen]byte
	c.rng.FillBytes(challenge[:])

	var out [1 + wire.UIDLen]byte
	out[0] = wire.DiscoveryOffer(target.Addr()).Byte()
	copy(out[1:], challenge[:])

	if err := s.SendFrame(ctx, out[:]); err != nil {
		fe.set(err)
		return
	}
	discoveryOffersTotal.Inc()

	rctx, cancel := c.recvCtx(ctx, c.cfg.ReplyTimeout)
	var buf [10]byte
	tf, err := s.Recv(rctx, buf[:])
	cancel()
	if err != nil {
		if !errors.Is(err, serial.ErrTimeout) {
			fe.set(err)
		}
		return
	}

	if len(tf.Frame) != 1+wire.UIDLen || tf.Frame[0] != wire.DiscoveryClaim(target.Addr()).Byte() {
		return
	}
	var uidBytes [wire.UIDLen]byte
	wire.XOR(uidBytes[:], tf.Frame[1:1+wire.UIDLen], challenge[:])
	uid := wire.UID(uidBytes[:])
	target.PromoteToPending(uid)
	discoveryClaimsTotal.Inc()
}

// Send enqueues frame onto the to_peer queue of the Active peer matching
// mac. On success frame is owned by the Controller (it will be sent and
// released during a future Step). On QueueFullError the returned handle
// is frame itself, unconsumed, so the caller can retry.
func (c *Controller) Send(mac uint64, frame *framepool.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		if p.IsActiveMAC(mac) {
			if p.EnqueueOutgoing(frame) {
				return nil
			}
			return &QueueFullError{Frame: frame}
		}
	}
	return ErrNoMatchingMAC
}

// RecvFrom pops the oldest received frame queued for the Active peer
// matching mac.
func (c *Controller) RecvFrom(mac uint64) (wire.WireFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		if p.IsActiveMAC(mac) {
			h, ok := p.DequeueIncoming()
			if !ok {
				return wire.WireFrame{}, ErrNoMessage
			}
			return wire.WrapWireFrame(h)
		}
	}
	return wire.WireFrame{}, ErrNoMatchingMAC
}

// Connected returns the UIDs of every currently-Active peer. Order is
// unspecified.
func (c *Controller) Connected() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint64
	for _, p := range c.peers {
		if p.State() == peer.Active {
			out = append(out, p.MAC())
		}
	}
	return out
}

// AddKnownMACs warm-seeds Free slots to Known with the given UIDs, one
// slot per UID, stopping when either list is exhausted.
func (c *Controller) AddKnownMACs(macs []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	i := 0
	for _, p := range c.peers {
		if i >= len(macs) {
			return
		}
		if p.State() == peer.Free {
			p.PromoteToKnownWithMAC(macs[i], now)
			i++
		}
	}
}
