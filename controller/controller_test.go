package controller

import (
	"context"
	"testing"
	"time"

	"linebus/busconfig"
	"linebus/entropy"
	"linebus/peer"
	"linebus/serial"
	"linebus/wire"
)

func testConfig() busconfig.Config {
	cfg := busconfig.Default()
	cfg.MaxTargets = 4
	cfg.ReplyTimeout = 50 * time.Millisecond
	return cfg
}

// fakeTarget drives the "other side" of a Loopback pair by hand, so
// Controller phases can be tested without depending on package target.
type fakeTarget struct {
	s serial.FrameSerial
}

func (f *fakeTarget) recv(t *testing.T, buf []byte) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tf, err := f.s.Recv(ctx, buf)
	if err != nil {
		t.Fatalf("fakeTarget recv: %v", err)
	}
	return tf.Frame
}

func (f *fakeTarget) send(t *testing.T, frame []byte) {
	t.Helper()
	if err := f.s.SendFrame(context.Background(), frame); err != nil {
		t.Fatalf("fakeTarget send: %v", err)
	}
}

func TestDiscoveryAndActivation(t *testing.T) {
	cfg := testConfig()
	rng := entropy.NewMathRand(1)
	ctrl := New(cfg, rng, nil)
	a, b := serial.NewLoopback()
	ft := &fakeTarget{s: b}
	const uid = uint64(0x1122334455667788)

	// Step 1: Controller offers slot 0 (first idle Free slot).
	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Step(context.Background(), a) }()
	offer := ft.recv(t, make([]byte, 16))
	if len(offer) != 9 {
		t.Fatalf("offer len = %d, want 9", len(offer))
	}
	ca, err := wire.Decode(offer[0])
	if err != nil || ca.Cmd != wire.CmdDiscoveryOffer || ca.Addr != 0 {
		t.Fatalf("offer header = %#02x (%v), want DiscoveryOffer(0)", offer[0], err)
	}
	challenge := append([]byte(nil), offer[1:9]...)

	var uidBytes [8]byte
	wire.PutUID(uidBytes[:], uid)
	claimBody := make([]byte, 8)
	wire.XOR(claimBody, uidBytes[:], challenge)
	claim := append([]byte{wire.DiscoveryClaim(0).Byte()}, claimBody...)
	ft.send(t, claim)

	if err := <-errCh; err != nil {
		t.Fatalf("Step 1: %v", err)
	}

	connected := ctrl.Connected()
	if len(connected) != 0 {
		t.Fatalf("after claim, Connected() = %v, want empty (still Pending)", connected)
	}

	// Step 2: Controller completes the Pending handshake (Phase B).
	go func() { errCh <- ctrl.Step(context.Background(), a) }()
	success := ft.recv(t, make([]byte, 16))
	wantHeader := wire.DiscoverySuccess(0).Byte()
	if success[0] != wantHeader {
		t.Fatalf("phase B header = %#02x, want %#02x", success[0], wantHeader)
	}
	if got := wire.UID(success[1:9]); got != uid {
		t.Fatalf("phase B echoed uid = %x, want %x", got, uid)
	}
	ft.send(t, []byte{wire.ReplyFrom(0).Byte()})
	// Phase D of the same step offers the next idle slot; read that offer
	// (Loopback writes block until the far side reads) and leave it
	// unanswered.
	ft.recv(t, make([]byte, 16))
	if err := <-errCh; err != nil {
		t.Fatalf("Step 2: %v", err)
	}

	connected = ctrl.Connected()
	if len(connected) != 1 || connected[0] != uid {
		t.Fatalf("Connected() = %v, want [%x]", connected, uid)
	}
}

func TestActivePeerEvictionAfterFourTimeouts(t *testing.T) {
	cfg := testConfig()
	cfg.ReplyTimeout = 10 * time.Millisecond
	rng := entropy.NewMathRand(2)
	ctrl := New(cfg, rng, nil)
	// Force peer 0 directly to Active without running the discovery
	// handshake, to isolate the eviction behavior.
	ctrl.peers[0].PromoteToPending(0xAA)
	ctrl.peers[0].PromoteToActive()

	a, b := serial.NewLoopback()
	// The target side reads every frame (Loopback writes block until the
	// far side reads) and never responds: every Select times out.
	go func() {
		buf := make([]byte, 16)
		for {
			if _, err := b.Recv(context.Background(), buf); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 4; i++ {
		if err := ctrl.Step(context.Background(), a); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if ctrl.peers[0].State() != peer.Known {
		t.Fatalf("state after 4 timeouts = %v, want Known", ctrl.peers[0].State())
	}

	// Force the Known peer's age past KnownTimeout and step again.
	cfg2 := cfg
	cfg2.KnownTimeout = 0
	ctrl.cfg = cfg2
	if err := ctrl.Step(context.Background(), a); err != nil {
		t.Fatalf("final step: %v", err)
	}
	if ctrl.peers[0].State() != peer.Free {
		t.Fatalf("state after KnownTimeout expiry = %v, want Free", ctrl.peers[0].State())
	}
}

func TestOfferUnderPressureS5(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTargets = 2
	rng := entropy.NewMathRand(3)
	ctrl := New(cfg, rng, nil)
	for _, p := range ctrl.peers {
		p.PromoteToPending(uint64(p.Addr()) + 1)
		p.PromoteToActive()
	}

	a, b := serial.NewLoopback()
	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Step(context.Background(), a) }()

	// Both Active peers will be served (Phase A) and time out; Phase D
	// should find no idle slot and issue no offer. Drain the two Selects
	// without replying.
	_ = b
	buf := make([]byte, 16)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if _, err := b.Recv(ctx, buf); err != nil {
			t.Fatalf("expected %d selects, recv %d failed: %v", 2, i, err)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := len(ctrl.Connected()); got != 2 {
		t.Fatalf("Connected() len = %d, want 2", got)
	}
}

func TestSendQueueFullS6(t *testing.T) {
	cfg := testConfig()
	cfg.OutgoingSize = 2
	rng := entropy.NewMathRand(4)
	ctrl := New(cfg, rng, nil)
	const uid = uint64(7)
	ctrl.peers[0].PromoteToPending(uid)
	ctrl.peers[0].PromoteToActive()

	pool := ctrl.peers[0] // reuse the peer's own incoming pool just for scratch handles in this unit test
	h1, err := pool.AllocIncoming()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := pool.AllocIncoming()
	if err != nil {
		t.Fatal(err)
	}
	h3, err := pool.AllocIncoming()
	if err != nil {
		t.Fatal(err)
	}

	if err := ctrl.Send(uid, h1); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := ctrl.Send(uid, h2); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	err = ctrl.Send(uid, h3)
	qf, ok := err.(*QueueFullError)
	if !ok {
		t.Fatalf("send 3 error = %v, want *QueueFullError", err)
	}
	if qf.Frame != h3 {
		t.Error("QueueFullError.Frame should be the caller's original handle")
	}
}

func TestSendRecvFromNoMatchingMAC(t *testing.T) {
	cfg := testConfig()
	rng := entropy.NewMathRand(5)
	ctrl := New(cfg, rng, nil)
	if err := ctrl.Send(999, nil); err != ErrNoMatchingMAC {
		t.Errorf("Send unknown mac = %v, want ErrNoMatchingMAC", err)
	}
	if _, err := ctrl.RecvFrom(999); err != ErrNoMatchingMAC {
		t.Errorf("RecvFrom unknown mac = %v, want ErrNoMatchingMAC", err)
	}
}

func TestAddKnownMACsSeedsFreeSlots(t *testing.T) {
	cfg := testConfig()
	rng := entropy.NewMathRand(6)
	ctrl := New(cfg, rng, nil)
	ctrl.AddKnownMACs([]uint64{10, 20})
	if ctrl.peers[0].State() != peer.Known || ctrl.peers[0].MAC() != 10 {
		t.Errorf("peer 0 = state %v mac %d, want Known/10", ctrl.peers[0].State(), ctrl.peers[0].MAC())
	}
	if ctrl.peers[1].State() != peer.Known || ctrl.peers[1].MAC() != 20 {
		t.Errorf("peer 1 = state %v mac %d, want Known/20", ctrl.peers[1].State(), ctrl.peers[1].MAC())
	}
}
