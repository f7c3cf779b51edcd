// Package session implements the Session Table of spec.md §4.7: the
// mapping from connection ID to live session, owned exclusively by the
// dispatcher. Destruction is deferred to the end of the current dispatch
// tick so a session's own close hook can never invalidate the table out
// from under an in-progress iteration, per spec.md §4.7/§9.
package session

// Session is the narrow capability the dispatcher needs from a live
// connection. The protocol engine itself (framing, loss recovery,
// congestion control, stream state) is out of scope per spec.md §1 and
// lives entirely behind this interface.
type Session interface {
	ID() string
	// HandlePacket delivers one datagram, in arrival order, to the
	// session's protocol engine.
	HandlePacket(bytes []byte, selfAddr, peerAddr string)
	// Close runs the session's close hook with the reason it closed. A non-nil
	// error is surfaced to the caller of Dispatcher.Shutdown, aggregated
	// across every session closed in that call.
	Close(reason CloseReason) error
	// CanWrite is invoked by the Write-Blocked Arbiter when the shared
	// writer becomes writable again.
	CanWrite()
}

// CloseReason records why a session closed; it is passed to Session.Close.
// The dispatcher does not derive a Time-Wait List action from it: a closed
// session's id is always time-waited with a silent-drop action.
type CloseReason int

const (
	ReasonSelfClose CloseReason = iota
	ReasonPeerClose
	ReasonError
	ReasonGoingAway
)

// Table is the Session Table. Not safe for concurrent use; owned
// exclusively by the single-threaded dispatcher per spec.md §5.
type Table struct {
	live   map[string]Session
	closed []Session
}

// New constructs an empty Session Table.
func New() *Table {
	return &Table{live: make(map[string]Session)}
}

// Insert adds a newly created session, keyed by its connection id.
func (t *Table) Insert(id string, s Session) {
	t.live[id] = s
}

// Lookup returns the live session for id, if any.
func (t *Table) Lookup(id string) (Session, bool) {
	s, ok := t.live[id]
	return s, ok
}

// Remove takes id out of the live map immediately (so no future datagram
// is routed to it). Unlike MarkClosed, it does not schedule the session
// for end-of-tick destruction, so DrainClosed never returns it. It must
// not be called from within the session's own Close hook reentrantly — callers should use
// MarkClosed from a dispatcher-level close sequence instead.
func (t *Table) Remove(id string) {
	delete(t.live, id)
}

// MarkClosed removes id from the live map and enqueues s for end-of-tick
// destruction. This is the only path a session should be destroyed
// through: it is safe to call from inside s's own packet-processing path,
// since the actual teardown happens later, outside of any session
// callback, per spec.md §4.7.
func (t *Table) MarkClosed(id string, s Session) {
	delete(t.live, id)
	t.closed = append(t.closed, s)
}

// Len returns the number of live sessions.
func (t *Table) Len() int { return len(t.live) }

// LiveIDs returns a snapshot of every currently live connection id, in no
// particular order. Used by Dispatcher.Shutdown to close every session
// without holding an iterator open across MarkClosed's map mutation.
func (t *Table) LiveIDs() []string {
	ids := make([]string, 0, len(t.live))
	for id := range t.live {
		ids = append(ids, id)
	}
	return ids
}

// DrainClosed returns and clears the sessions scheduled for destruction
// this tick. The dispatcher calls this exactly once at the end of
// ProcessPacket/OnCanWrite/ProcessBufferedChlos, never from inside a
// session callback.
func (t *Table) DrainClosed() []Session {
	closed := t.closed
	t.closed = nil
	return closed
}
