// Package config holds the dispatcher's tunable parameters.
//
// A Config is built once at construction time via functional Options, but
// individual fields may still be flipped at runtime (Dispatcher.
// SetAllowShortInitialConnectionIds does exactly that). The dispatcher
// must only ever be driven from one goroutine (spec.md §5's cooperative,
// lock-free model), so such a flip can only ever happen between datagrams,
// never concurrently with one — but it could still happen reentrantly,
// e.g. from a collaborator callback invoked synchronously partway through
// handling a datagram. Reading Snapshot() once at the top of that work and
// using only the returned value for its duration is what makes the rest
// of the datagram's handling see a single, consistent view regardless.
package config

import "time"

// Config holds all dispatcher-side configuration parameters.
type Config struct {
	// ServerConnectionIDLength is the fixed length the dispatcher accepts
	// for short-header packets and generates for Replace decisions.
	ServerConnectionIDLength int

	// ConnectionIDLengthRange is the inclusive [lo, hi] length range
	// accepted for variable-length connection IDs.
	ConnectionIDLengthRangeLo int
	ConnectionIDLengthRangeHi int

	// AllowShortInitialConnectionIDs toggles the Replace path of the
	// Connection Identifier Policy for out-of-range lengths.
	AllowShortInitialConnectionIDs bool

	// EnabledVersions is the set of QUIC versions this server accepts.
	EnabledVersions []uint32

	// VersionNegotiationSizeFloor is the minimum datagram size (bytes)
	// required before a Version Negotiation reply is emitted, to avoid
	// amplification via spoofed probes.
	VersionNegotiationSizeFloor int

	// MaxReasonableInitialPacketNumber bounds the initial packet number
	// accepted from a would-be new connection.
	MaxReasonableInitialPacketNumber uint64

	// RandomInitialPacketNumbers extends the above allowance when the
	// server's crypto stack randomizes initial packet numbers.
	RandomInitialPacketNumbers    bool
	RandomInitialPacketNumberSpan uint64

	// Buffered Packet Store parameters.
	MaxBufferedConnections          int
	MaxBufferedConnectionsNoCHLO    int
	MaxPacketsPerBufferedConnection int
	BufferedConnectionExpiration    time.Duration

	// Time-Wait List parameters.
	TimeWaitPeriod           time.Duration
	TimeWaitCapacity         int
	TimeWaitBackoffStart     int
	TimeWaitBackoffCap       int

	// NewSessionsAllowedPerEventLoop bounds how many sessions may be
	// created between writable events; overflow CHLOs are buffered.
	NewSessionsAllowedPerEventLoop int
}

// Option customizes a Config during construction.
type Option func(*Config)

// DefaultConfig returns the dispatcher's default tunables.
func DefaultConfig() *Config {
	return &Config{
		ServerConnectionIDLength:        8,
		ConnectionIDLengthRangeLo:       0,
		ConnectionIDLengthRangeHi:       20,
		AllowShortInitialConnectionIDs:  false,
		EnabledVersions:                 nil,
		VersionNegotiationSizeFloor:     1200,
		MaxReasonableInitialPacketNumber: 1000,
		RandomInitialPacketNumbers:      false,
		RandomInitialPacketNumberSpan:   100,
		MaxBufferedConnections:          100,
		MaxBufferedConnectionsNoCHLO:    50,
		MaxPacketsPerBufferedConnection: 16,
		BufferedConnectionExpiration:    10 * time.Second,
		TimeWaitPeriod:                  5 * time.Second,
		TimeWaitCapacity:                10000,
		TimeWaitBackoffStart:            1,
		TimeWaitBackoffCap:              8,
		NewSessionsAllowedPerEventLoop:  16,
	}
}

// New builds a Config from DefaultConfig with the given Options applied.
func New(opts ...Option) *Config {
	c := DefaultConfig()
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithEnabledVersions sets the server's accepted QUIC version set.
func WithEnabledVersions(versions ...uint32) Option {
	return func(c *Config) { c.EnabledVersions = versions }
}

// WithServerConnectionIDLength sets the fixed accepted/generated CID length.
func WithServerConnectionIDLength(n int) Option {
	return func(c *Config) { c.ServerConnectionIDLength = n }
}

// WithConnectionIDLengthRange sets the accepted variable-length CID range.
func WithConnectionIDLengthRange(lo, hi int) Option {
	return func(c *Config) {
		c.ConnectionIDLengthRangeLo = lo
		c.ConnectionIDLengthRangeHi = hi
	}
}

// WithAllowShortInitialConnectionIDs toggles the Replace path.
func WithAllowShortInitialConnectionIDs(allow bool) Option {
	return func(c *Config) { c.AllowShortInitialConnectionIDs = allow }
}

// WithNewSessionsAllowedPerEventLoop sets the per-tick session budget.
func WithNewSessionsAllowedPerEventLoop(n int) Option {
	return func(c *Config) { c.NewSessionsAllowedPerEventLoop = n }
}

// WithBufferedPacketStoreLimits sets the Buffered Packet Store caps.
func WithBufferedPacketStoreLimits(maxConns, maxConnsNoCHLO, maxPacketsPerConn int, expiration time.Duration) Option {
	return func(c *Config) {
		c.MaxBufferedConnections = maxConns
		c.MaxBufferedConnectionsNoCHLO = maxConnsNoCHLO
		c.MaxPacketsPerBufferedConnection = maxPacketsPerConn
		c.BufferedConnectionExpiration = expiration
	}
}

// WithTimeWait sets the Time-Wait List period and capacity.
func WithTimeWait(period time.Duration, capacity int) Option {
	return func(c *Config) {
		c.TimeWaitPeriod = period
		c.TimeWaitCapacity = capacity
	}
}

// WithRandomInitialPacketNumbers toggles and sizes the random-IPN allowance.
func WithRandomInitialPacketNumbers(enabled bool, span uint64) Option {
	return func(c *Config) {
		c.RandomInitialPacketNumbers = enabled
		c.RandomInitialPacketNumberSpan = span
	}
}

// Snapshot is an independent value copy of Config captured once per
// datagram, per spec.md §5/§9's "read once per datagram" discipline. It is
// a distinct value, not an alias of the live *Config, so a later in-place
// field flip on the live Config (Dispatcher.SetAllowShortInitialConnectionIds,
// for instance) cannot retroactively change what an in-flight datagram
// already observed.
type Snapshot = Config

// Snapshot returns an independent copy of the current configuration.
func (c *Config) Snapshot() Snapshot {
	cp := *c
	cp.EnabledVersions = append([]uint32(nil), c.EnabledVersions...)
	return cp
}

// IsVersionEnabled reports whether v is in the enabled set.
func (c *Config) IsVersionEnabled(v uint32) bool {
	for _, ev := range c.EnabledVersions {
		if ev == v {
			return true
		}
	}
	return false
}

// MaxInitialPacketNumber returns the effective initial packet number
// ceiling, extended by the random-IPN span when that feature is enabled.
func (c *Config) MaxInitialPacketNumber() uint64 {
	if c.RandomInitialPacketNumbers {
		return c.MaxReasonableInitialPacketNumber + c.RandomInitialPacketNumberSpan
	}
	return c.MaxReasonableInitialPacketNumber
}
