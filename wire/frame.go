package wire

import (
	"errors"

	"linebus/framepool"
)

// ErrEmptyFrame is returned when a frame has no header byte at all.
var ErrEmptyFrame = errors.New("wire: frame has no header byte")

// WireFrame is a validated received frame: its header byte has already
// been decoded into a legal CmdAddr. Payload is byte 1 onward.
type WireFrame struct {
	h  *framepool.Handle
	ca CmdAddr
}

// WrapWireFrame validates h's header byte and returns a WireFrame over it.
// The caller retains ownership of h; releasing it invalidates the
// WireFrame.
func WrapWireFrame(h *framepool.Handle) (WireFrame, error) {
	b := h.Bytes()
	if len(b) < 1 {
		return WireFrame{}, ErrEmptyFrame
	}
	ca, err := Decode(b[0])
	if err != nil {
		return WireFrame{}, err
	}
	return WireFrame{h: h, ca: ca}, nil
}

func (w WireFrame) CmdAddr() CmdAddr { return w.ca }

// Payload returns byte 1 onward of the frame.
func (w WireFrame) Payload() []byte {
	b := w.h.Bytes()
	if len(b) < 2 {
		return nil
	}
	return b[1:]
}

// IsEmpty reports whether the frame carries no payload (length 1).
func (w WireFrame) IsEmpty() bool { return len(w.h.Bytes()) == 1 }

// Handle returns the underlying frame handle, e.g. to Release it once the
// caller is done with the payload.
func (w WireFrame) Handle() *framepool.Handle { return w.h }

// SendFrame is an application-provided payload whose header byte is
// reserved and filled in at transmit time.
type SendFrame struct {
	h *framepool.Handle
}

// NewSendFrame reserves a byte-0 header slot and sizes h to carry
// payloadLen payload bytes.
func NewSendFrame(h *framepool.Handle, payloadLen int) (SendFrame, error) {
	if err := h.SetLen(1 + payloadLen); err != nil {
		return SendFrame{}, err
	}
	return SendFrame{h: h}, nil
}

// Payload returns the mutable payload view (byte 1 onward).
func (s SendFrame) Payload() []byte {
	b := s.h.Bytes()
	if len(b) < 2 {
		return nil
	}
	return b[1:]
}

// SetHeader fills the reserved header byte at transmit time.
func (s SendFrame) SetHeader(ca CmdAddr) {
	s.h.Bytes()[0] = ca.Byte()
}

// IsEmpty reports whether the frame carries no payload (length 1).
func (s SendFrame) IsEmpty() bool { return len(s.h.Bytes()) == 1 }

func (s SendFrame) Handle() *framepool.Handle { return s.h }
