// Package entropy defines the bus stack's randomness and unique-identifier
// capability contracts. Real devices source both from hardware; this
// package also ships plain software defaults suitable for tests and the
// example binaries.
package entropy

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
)

// RandSource fills a buffer with uniform random bytes. Used for
// DiscoveryOffer challenges and the Target's 1/8 claim coinflip.
type RandSource interface {
	FillBytes(buf []byte)
	// Uint32 returns a uniform random 32-bit value, used directly for the
	// coinflip so a caller never needs to assemble one from FillBytes.
	Uint32() uint32
}

// UIDSource returns this device's 64-bit unique identifier. It is stable
// for the process lifetime.
type UIDSource interface {
	UID() uint64
}

// MathRand is a non-cryptographic RandSource backed by math/rand, in the
// same spirit as a deterministically-seeded RNG used for replayable
// simulation: pass a fixed seed in tests for reproducible runs, or seed
// from crypto/rand for production use.
type MathRand struct {
	r *rand.Rand
}

// NewMathRand builds a MathRand seeded with seed.
func NewMathRand(seed int64) *MathRand {
	return &MathRand{r: rand.New(rand.NewSource(seed))}
}

func (m *MathRand) FillBytes(buf []byte) {
	m.r.Read(buf) //nolint:errcheck // math/rand.Rand.Read never errors
}

func (m *MathRand) Uint32() uint32 {
	return m.r.Uint32()
}

// CryptoUID derives a UID from crypto/rand at construction time.
type CryptoUID struct {
	uid uint64
}

// NewCryptoUID draws a fresh random 64-bit UID from crypto/rand.
func NewCryptoUID() (*CryptoUID, error) {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return nil, err
	}
	return &CryptoUID{uid: binary.LittleEndian.Uint64(buf[:])}, nil
}

// FixedUID wraps a caller-supplied constant UID, e.g. a MAC address or
// serial number baked into a device at manufacture time.
type FixedUID uint64

func (f FixedUID) UID() uint64 { return uint64(f) }

func (c *CryptoUID) UID() uint64 { return c.uid }
