// Package writeblocked implements the Write-Blocked Arbiter of spec.md
// §4.8: an insertion-ordered set of connections awaiting writability,
// drained in FIFO order whenever the shared writer signals it can accept
// more data.
package writeblocked

import "github.com/eapache/queue"

// Writable is the narrow capability the arbiter needs from a blocked
// connection: a single no-argument hook invoked when it is that
// connection's turn to attempt a write.
type Writable interface {
	CanWrite()
	// WriteBlockedID identifies the connection for membership tracking;
	// distinct connections must return distinct ids.
	WriteBlockedID() string
}

// Arbiter is the Write-Blocked Arbiter. Not safe for concurrent use; owned
// exclusively by the single-threaded dispatcher per spec.md §5.
type Arbiter struct {
	order   *queue.Queue // FIFO of Writable, insertion order
	present map[string]bool
}

// New constructs an empty Arbiter.
func New() *Arbiter {
	return &Arbiter{order: queue.New(), present: make(map[string]bool)}
}

// Add inserts conn at the back of the set. A no-op if conn is already
// present, so a connection that blocks twice before a drain is coalesced
// into a single entry, per spec.md §4.8/§8.
func (a *Arbiter) Add(conn Writable) {
	if a.present[conn.WriteBlockedID()] {
		return
	}
	a.present[conn.WriteBlockedID()] = true
	a.order.Add(conn)
}

// Remove takes conn out of the set immediately, wherever it currently
// sits. Required when a session closes while still write-blocked — per
// spec.md §4.7 it is a fatal bug to destroy a session still in this set.
// eapache/queue exposes no arbitrary-position removal, so this rebuilds
// the queue; the set's size is bounded by concurrently write-blocked
// connections, not by total traffic, so the O(n) rebuild is not a
// concern on the dispatcher's hot path.
func (a *Arbiter) Remove(conn Writable) {
	id := conn.WriteBlockedID()
	if !a.present[id] {
		return
	}
	delete(a.present, id)

	n := a.order.Length()
	rebuilt := queue.New()
	for i := 0; i < n; i++ {
		v := a.order.Get(i).(Writable)
		if v.WriteBlockedID() == id {
			continue
		}
		rebuilt.Add(v)
	}
	a.order = rebuilt
}

// Contains reports whether conn is currently in the set.
func (a *Arbiter) Contains(id string) bool { return a.present[id] }

// Len returns the number of connections currently waiting.
func (a *Arbiter) Len() int { return a.order.Length() }

// OnWritable drains a snapshot of the current set in insertion order. Each
// connection is removed from the set before its CanWrite hook runs; if
// the hook re-adds itself (it blocked again), it lands at the tail and is
// not served again during this drain — only on a subsequent OnWritable
// call, per spec.md §4.8/§8.
func (a *Arbiter) OnWritable() {
	n := a.order.Length()
	snapshot := make([]Writable, 0, n)
	for i := 0; i < n; i++ {
		snapshot = append(snapshot, a.order.Get(i).(Writable))
	}
	// Start the next drain's queue fresh; a hook that re-adds itself (or
	// a not-yet-served peer closing elsewhere removing itself) operates
	// on this queue/present map from here on, independent of snapshot.
	a.order = queue.New()

	for _, conn := range snapshot {
		id := conn.WriteBlockedID()
		if !a.present[id] {
			// Removed from the set before its turn — e.g. the session
			// closed elsewhere during this same drain. Do not invoke a
			// hook for a connection no longer in the set.
			continue
		}
		delete(a.present, id)
		conn.CanWrite()
	}
}
