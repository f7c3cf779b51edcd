// Package bufferstore implements the Buffered Packet Store of spec.md
// §4.5: bounded per-connection queues of datagrams that arrived before a
// session could be created (pre-CHLO, or mid-async-handshake).
package bufferstore

import (
	"time"

	"github.com/eapache/queue"
)

// Datagram is the minimal shape the store needs to buffer and replay an
// inbound packet; package dispatch builds these values directly.
type Datagram struct {
	Bytes     []byte
	SelfAddr  string
	PeerAddr  string
	Received  time.Time
}

type connEntry struct {
	id           string
	queue        *queue.Queue // ordered Datagram values, CHLO first once seen
	hasCHLO      bool
	// countedWithoutCHLO tracks whether this entry is currently counted in
	// Store.connsWithoutCHLO, since a CHLO-bearing connection is never
	// counted even before its first datagram lands.
	countedWithoutCHLO bool
	firstArrival       time.Time
}

// Store is the Buffered Packet Store. Not safe for concurrent use; owned
// exclusively by the single-threaded dispatcher per spec.md §5.
type Store struct {
	maxConnections       int
	maxConnectionsNoCHLO int
	maxPacketsPerConn    int
	expiration           time.Duration

	conns            map[string]*connEntry
	connsWithoutCHLO int
	arrival          *queue.Queue // FIFO of ids in first-arrival order
}

// New constructs an empty Buffered Packet Store with the given limits.
func New(maxConnections, maxConnectionsNoCHLO, maxPacketsPerConn int, expiration time.Duration) *Store {
	return &Store{
		maxConnections:       maxConnections,
		maxConnectionsNoCHLO: maxConnectionsNoCHLO,
		maxPacketsPerConn:    maxPacketsPerConn,
		expiration:           expiration,
		conns:                make(map[string]*connEntry),
		arrival:              queue.New(),
	}
}

// Enqueue buffers datagram for id, per spec.md §4.5's rules. It returns
// false if the datagram was dropped (store full, per-connection cap hit by
// a non-CHLO datagram, or a CHLO is already buffered for id).
func (s *Store) Enqueue(id string, dgram Datagram, isCHLO bool, now time.Time) bool {
	ce, exists := s.conns[id]

	if exists && ce.hasCHLO {
		return false
	}
	if !exists {
		if s.maxConnections > 0 && len(s.conns) >= s.maxConnections {
			return false
		}
		if !isCHLO && s.maxConnectionsNoCHLO > 0 && s.connsWithoutCHLO >= s.maxConnectionsNoCHLO {
			return false
		}
		ce = &connEntry{id: id, queue: queue.New(), firstArrival: now}
		s.conns[id] = ce
		s.arrival.Add(id)
		if !isCHLO {
			ce.countedWithoutCHLO = true
			s.connsWithoutCHLO++
		}
	}

	if !isCHLO && s.maxPacketsPerConn > 0 && ce.queue.Length() >= s.maxPacketsPerConn {
		// Head-preserving: drop the new datagram, keep what is already
		// buffered. A CHLO is exempt from this cap, since it is the anchor
		// the connection needs before it can be drained at all.
		return false
	}

	if isCHLO {
		if !ce.hasCHLO {
			ce.hasCHLO = true
			if ce.countedWithoutCHLO {
				ce.countedWithoutCHLO = false
				s.connsWithoutCHLO--
			}
		}
		s.prepend(ce, dgram)
	} else {
		ce.queue.Add(dgram)
	}
	return true
}

// prepend puts dgram at the front of ce's queue, since the CHLO must
// always be the anchor drained first per spec.md §4.5.
func (s *Store) prepend(ce *connEntry, dgram Datagram) {
	n := ce.queue.Length()
	rebuilt := queue.New()
	rebuilt.Add(dgram)
	for i := 0; i < n; i++ {
		rebuilt.Add(ce.queue.Get(i))
	}
	ce.queue = rebuilt
}

// HasCHLO reports whether a CHLO has been buffered for id.
func (s *Store) HasCHLO(id string) bool {
	ce, ok := s.conns[id]
	return ok && ce.hasCHLO
}

// IDsWithCHLO returns the ids of buffered connections that have received a
// CHLO, oldest first, so a caller like Dispatcher.ProcessBufferedChlos can
// flush the longest-waiting connections first. This also prunes ids for
// connections already removed since the last call, so the underlying
// order queue stays bounded by the current buffered set rather than by
// lifetime churn.
func (s *Store) IDsWithCHLO() []string {
	n := s.arrival.Length()
	var withCHLO []string
	rebuilt := queue.New()
	for i := 0; i < n; i++ {
		id, _ := s.arrival.Get(i).(string)
		ce, ok := s.conns[id]
		if !ok {
			continue
		}
		rebuilt.Add(id)
		if ce.hasCHLO {
			withCHLO = append(withCHLO, id)
		}
	}
	s.arrival = rebuilt
	return withCHLO
}

// Drain removes and returns all datagrams buffered for id, in arrival
// order (CHLO first, per spec.md §4.5/§8).
func (s *Store) Drain(id string) []Datagram {
	ce, ok := s.conns[id]
	if !ok {
		return nil
	}
	out := make([]Datagram, 0, ce.queue.Length())
	for ce.queue.Length() > 0 {
		out = append(out, ce.queue.Remove().(Datagram))
	}
	s.remove(id, ce)
	return out
}

// Discard removes any buffered datagrams for id without returning them,
// used when a deferred CHLO decision comes back as Reject.
func (s *Store) Discard(id string) {
	ce, ok := s.conns[id]
	if !ok {
		return
	}
	s.remove(id, ce)
}

func (s *Store) remove(id string, ce *connEntry) {
	if ce.countedWithoutCHLO {
		s.connsWithoutCHLO--
	}
	delete(s.conns, id)
}

// Expire removes connections whose first-arrival datagram is older than
// the idle timeout, returning their ids so the caller can hand them to
// the Time-Wait List with a silent-drop action per spec.md §4.5.
func (s *Store) Expire(now time.Time) []string {
	var expired []string
	for id, ce := range s.conns {
		if now.Sub(ce.firstArrival) >= s.expiration {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		ce := s.conns[id]
		s.remove(id, ce)
	}
	return expired
}

// Connections returns the number of distinct buffered connections.
func (s *Store) Connections() int { return len(s.conns) }

// ConnectionsWithoutCHLO returns the number of buffered connections that
// have not yet received a CHLO.
func (s *Store) ConnectionsWithoutCHLO() int { return s.connsWithoutCHLO }
