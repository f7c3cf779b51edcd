// Package metrics provides the dispatcher's ambient observability
// counters, grounded on the teacher's MetricsRegistry but simplified to
// plain counters — the single-threaded dispatcher has no hot-reload
// listener requirement beyond the feature-flag snapshot already handled
// by package config.
package metrics

// Registry holds named counters the dispatcher increments as it
// processes datagrams, without those counts ever influencing control
// flow.
type Registry struct {
	counters map[string]int64
	gauges   map[string]int64
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

// Inc increments a named counter by delta.
func (r *Registry) Inc(name string, delta int64) {
	r.counters[name] += delta
}

// Set assigns a named gauge's current value.
func (r *Registry) Set(name string, value int64) {
	r.gauges[name] = value
}

// Snapshot returns a point-in-time copy of all counters and gauges,
// suitable for an embedder to expose via its own metrics endpoint.
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(r.counters)+len(r.gauges))
	for k, v := range r.counters {
		out[k] = v
	}
	for k, v := range r.gauges {
		out[k] = v
	}
	return out
}

// Counter names used throughout package dispatch.
const (
	CounterDroppedMalformedHeader       = "dropped_malformed_header"
	CounterDroppedUnsupportedVersion    = "dropped_unsupported_version"
	CounterDroppedPortZero              = "dropped_port_zero"
	CounterDroppedUnreasonableIPN       = "dropped_unreasonable_initial_packet_number"
	CounterDroppedBufferFull            = "dropped_buffer_full"
	CounterDroppedConnIDRejected        = "dropped_connection_id_rejected"
	CounterVersionNegotiationsSent      = "version_negotiations_sent"
	CounterSessionsCreated              = "sessions_created"
	CounterSessionsClosed               = "sessions_closed"
	CounterCHLOsDeferred                = "chlos_deferred"
	CounterCHLOsRejected                = "chlos_rejected"
	GaugeBufferedConnections            = "buffered_connections"
	GaugeBufferedConnectionsWithoutCHLO = "buffered_connections_without_chlo"
	GaugeTimeWaitEntries                = "time_wait_entries"
	GaugeWriteBlockedConnections        = "write_blocked_connections"
	GaugeLiveSessions                   = "live_sessions"
)
