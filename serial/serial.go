// Package serial defines the bus stack's physical-link capability
// contract (FrameSerial) and ships one concrete, non-hardware transport
// (Loopback) for tests and example binaries. A real UART driver is an
// external collaborator the core never implements itself.
package serial

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrTimeout is returned by Recv when no frame arrives before the
// supplied context is done. Per spec.md §5, a timeout is observationally
// equivalent to "no response" and is never treated as a hard error by
// callers.
var ErrTimeout = errors.New("serial: recv timeout")

// TimedFrame is one received frame together with the timestamp its
// reception completed, captured as close to the wire event as possible —
// the Target's exchange_one needs this instant to schedule its reply no
// earlier than t_rx + TURNAROUND_DELAY.
type TimedFrame struct {
	EndOfRX time.Time
	Frame   []byte
}

// FrameSerial is the capability contract the protocol core depends on.
// Implementations must fully flush a frame before SendFrame returns, and
// must be safe to cancel via ctx without corrupting transceiver direction
// state.
type FrameSerial interface {
	// SendFrame transmits frame verbatim followed by the end-of-frame
	// marker, blocking until fully flushed to the link.
	SendFrame(ctx context.Context, frame []byte) error
	// Recv blocks until an end-of-frame marker arrives or buf fills,
	// returning the prefix actually filled. ctx's deadline bounds the
	// wait; expiry yields ErrTimeout.
	Recv(ctx context.Context, buf []byte) (TimedFrame, error)
}

// lineBreak is the end-of-frame marker: spec.md's "line break". This
// reference transport represents it literally as a single delimiter byte;
// a real UART driver represents it as an electrical break condition,
// which is why frame bodies may never legally contain this byte value.
const lineBreak = 0x0A

// endpoint is one side of a Loopback pair.
type endpoint struct {
	w  net.Conn
	mu sync.Mutex // serializes writers per direction; matches "at most one send_frame in flight"
	br *bufio.Reader
}

// NewLoopback returns two FrameSerial endpoints sharing one in-memory
// duplex pipe: writes on one side are read on the other. This is not a
// physical transport; it exists so the Controller and Target engines can
// be exercised, tested, and demonstrated without real hardware.
func NewLoopback() (a, b FrameSerial) {
	c1, c2 := net.Pipe()
	return &endpoint{w: c1, br: bufio.NewReader(c1)}, &endpoint{w: c2, br: bufio.NewReader(c2)}
}

func (e *endpoint) SendFrame(ctx context.Context, frame []byte) error {
	for _, b := range frame {
		if b == lineBreak {
			return errors.New("serial: frame body must not contain the line-break byte")
		}
	}
	done := make(chan error, 1)
	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if dl, ok := ctx.Deadline(); ok {
			e.w.SetWriteDeadline(dl)
		} else {
			e.w.SetWriteDeadline(time.Time{})
		}
		if _, err := e.w.Write(frame); err != nil {
			done <- err
			return
		}
		_, err := e.w.Write([]byte{lineBreak})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Recv(ctx context.Context, buf []byte) (TimedFrame, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		if dl, ok := ctx.Deadline(); ok {
			e.w.SetReadDeadline(dl)
		} else {
			e.w.SetReadDeadline(time.Time{})
		}
		n := 0
		for n < len(buf) {
			b, err := e.br.ReadByte()
			if err != nil {
				ch <- result{n, err}
				return
			}
			if b == lineBreak {
				ch <- result{n, nil}
				return
			}
			buf[n] = b
			n++
		}
		ch <- result{n, nil}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			var netErr net.Error
			if errors.As(r.err, &netErr) && netErr.Timeout() {
				return TimedFrame{}, ErrTimeout
			}
			return TimedFrame{}, r.err
		}
		return TimedFrame{EndOfRX: time.Now(), Frame: buf[:r.n]}, nil
	case <-ctx.Done():
		e.w.SetReadDeadline(time.Now())
		<-ch
		return TimedFrame{}, ErrTimeout
	}
}
