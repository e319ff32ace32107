// Package busconfig centralizes every tunable named in the bus stack's
// configuration constants table: queue sizes and the timing budgets for
// each phase of discovery and exchange.
package busconfig

import (
	"os"
	"strconv"
	"time"
)

// Config holds every bus-stack tunable. Zero value is not meaningful; use
// Default or FromEnv.
type Config struct {
	// MaxTargets is the number of logical-address slots the Controller
	// manages (addresses 0..MaxTargets-1).
	MaxTargets int
	// IncomingSize is each peer's inbound (from_peer) queue capacity.
	IncomingSize int
	// OutgoingSize is each peer's outbound (to_peer) queue capacity.
	OutgoingSize int
	// ReplyTimeout bounds the Controller's listen window after a Select
	// or discovery transmission.
	ReplyTimeout time.Duration
	// KnownTimeout is how long a Known peer may go unrefreshed before it
	// is reset to Free.
	KnownTimeout time.Duration
	// TurnaroundDelay is the Target's minimum delay between receiving a
	// Select and transmitting its reply.
	TurnaroundDelay time.Duration
	// AddressClaimTimeout bounds the Target's total claim-dance budget.
	AddressClaimTimeout time.Duration
	// SelectTimeout bounds how long a Target's exchange_one will wait for
	// a Select before considering the session lost.
	SelectTimeout time.Duration
}

// Default returns the constants table's defaults from spec.md §6.
func Default() Config {
	return Config{
		MaxTargets:          31,
		IncomingSize:        4,
		OutgoingSize:        8,
		ReplyTimeout:        time.Millisecond,
		KnownTimeout:        5 * time.Second,
		TurnaroundDelay:     25 * time.Microsecond,
		AddressClaimTimeout: 3 * time.Second,
		SelectTimeout:       3 * time.Second,
	}
}

// FromEnv starts from Default and overrides any field named by an
// environment variable, in the same style as the rest of this module's
// cmd/ entrypoints load their settings.
func FromEnv() Config {
	c := Default()
	c.MaxTargets = getEnvInt("LINEBUS_MAX_TARGETS", c.MaxTargets)
	c.IncomingSize = getEnvInt("LINEBUS_INCOMING_SIZE", c.IncomingSize)
	c.OutgoingSize = getEnvInt("LINEBUS_OUTGOING_SIZE", c.OutgoingSize)
	c.ReplyTimeout = getEnvDuration("LINEBUS_REPLY_TIMEOUT", c.ReplyTimeout)
	c.KnownTimeout = getEnvDuration("LINEBUS_KNOWN_TIMEOUT", c.KnownTimeout)
	c.TurnaroundDelay = getEnvDuration("LINEBUS_TURNAROUND_DELAY", c.TurnaroundDelay)
	c.AddressClaimTimeout = getEnvDuration("LINEBUS_ADDRESS_CLAIM_TIMEOUT", c.AddressClaimTimeout)
	c.SelectTimeout = getEnvDuration("LINEBUS_SELECT_TIMEOUT", c.SelectTimeout)
	return c
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
