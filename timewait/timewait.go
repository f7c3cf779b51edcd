// Package timewait implements the Time-Wait List of spec.md §4.4: a
// bounded table of recently closed (or rejected) connection IDs that
// answers stragglers with a canned response, or silently discards them.
package timewait

import (
	"time"

	"github.com/eapache/queue"
)

// Action is what OnPacket does when a datagram arrives for an id under
// time-wait.
type Action int

const (
	// ActionSilentDrop discards the datagram with no reply.
	ActionSilentDrop Action = iota
	// ActionSendClose replies with the stored close frame.
	ActionSendClose
	// ActionSendStatelessReset replies with a stateless reset token.
	ActionSendStatelessReset
	// ActionSendVersionNegotiation replies with a Version Negotiation
	// packet.
	ActionSendVersionNegotiation
)

// actionRank orders actions by "how upgraded" they are, so that Add can
// implement "refresh deadline and keep earliest action unless upgraded to
// send-close" per spec.md §4.4.
var actionRank = map[Action]int{
	ActionSilentDrop:             0,
	ActionSendStatelessReset:     1,
	ActionSendVersionNegotiation: 1,
	ActionSendClose:              2,
}

type entry struct {
	id       string
	action   Action
	frame    []byte
	deadline time.Time
	// sinceLastEmission and gap implement exponential backoff: a reply is
	// emitted once sinceLastEmission reaches gap, at which point the
	// counter resets and gap doubles, capped at backoffCap.
	sinceLastEmission int
	gap               int
}

// List is the Time-Wait List. Not safe for concurrent use; the dispatcher
// that owns it is single-threaded per spec.md §5.
type List struct {
	period       time.Duration
	capacity     int
	backoffStart int
	backoffCap   int

	entries map[string]*entry
	order   *queue.Queue // FIFO of ids in insertion/refresh order
}

// New constructs an empty Time-Wait List.
func New(period time.Duration, capacity, backoffStart, backoffCap int) *List {
	if backoffStart <= 0 {
		backoffStart = 1
	}
	if backoffCap <= 0 {
		backoffCap = backoffStart
	}
	return &List{
		period:       period,
		capacity:     capacity,
		backoffStart: backoffStart,
		backoffCap:   backoffCap,
		entries:      make(map[string]*entry),
		order:        queue.New(),
	}
}

// Add inserts or refreshes id's entry. If id is already present, the
// deadline is refreshed and the action is upgraded only towards
// ActionSendClose, never downgraded — matching spec.md §4.4's "keep
// earliest action unless upgraded to send close".
func (l *List) Add(id string, action Action, frame []byte, now time.Time) {
	if e, ok := l.entries[id]; ok {
		e.deadline = now.Add(l.period)
		if action == ActionSendClose && actionRank[action] > actionRank[e.action] {
			e.action = action
			e.frame = frame
		}
		l.moveToBack(id)
		return
	}

	if l.capacity > 0 && len(l.entries) >= l.capacity {
		l.evictOldest()
	}

	e := &entry{
		id:       id,
		action:   action,
		frame:    frame,
		deadline: now.Add(l.period),
		gap:      l.backoffStart,
	}
	l.entries[id] = e
	l.order.Add(id)
}

// moveToBack re-homes id to the back of the insertion-order queue, so
// that the queue always reflects the order entries become eligible for
// expiry/eviction — a refreshed entry is the least likely to be the next
// one evicted, matching the "LRU of recently closed IDs" semantics of
// spec.md §2. eapache/queue exposes no arbitrary-position removal, so
// this rebuilds the queue; time-wait churn is low relative to the data
// path, so the O(n) rebuild is not a concern.
func (l *List) moveToBack(id string) {
	n := l.order.Length()
	rebuilt := queue.New()
	for i := 0; i < n; i++ {
		v, _ := l.order.Get(i).(string)
		if v == id {
			continue
		}
		rebuilt.Add(v)
	}
	rebuilt.Add(id)
	l.order = rebuilt
}

// Contains reports whether id currently has a time-wait entry.
func (l *List) Contains(id string) bool {
	_, ok := l.entries[id]
	return ok
}

// OnPacket handles a datagram addressed to an id under time-wait, per
// spec.md §4.4. It returns the action to take and, for any replying
// action, the stored frame bytes to emit. Rate limiting doubles the gap between
// emissions, starting at backoffStart and capped at backoffCap.
func (l *List) OnPacket(id string) (Action, []byte, bool) {
	e, ok := l.entries[id]
	if !ok {
		return ActionSilentDrop, nil, false
	}
	if e.action == ActionSilentDrop {
		return ActionSilentDrop, nil, true
	}

	e.sinceLastEmission++
	if e.sinceLastEmission < e.gap {
		// Rate-limited: swallow this retransmission.
		return ActionSilentDrop, nil, true
	}
	e.sinceLastEmission = 0
	e.gap *= 2
	if e.gap > l.backoffCap {
		e.gap = l.backoffCap
	}
	return e.action, e.frame, true
}

// Cleanup evicts entries whose deadline has passed. Safe to call on a
// timer and opportunistically from Add.
func (l *List) Cleanup(now time.Time) []string {
	var evicted []string
	for l.order.Length() > 0 {
		id, _ := l.order.Peek().(string)
		e, ok := l.entries[id]
		if !ok {
			l.order.Remove()
			continue
		}
		if now.Before(e.deadline) {
			break
		}
		l.order.Remove()
		delete(l.entries, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// Len returns the current number of entries.
func (l *List) Len() int { return len(l.entries) }

func (l *List) evictOldest() {
	for l.order.Length() > 0 {
		id, _ := l.order.Peek().(string)
		l.order.Remove()
		if _, ok := l.entries[id]; ok {
			delete(l.entries, id)
			return
		}
	}
}
