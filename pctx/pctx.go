// Package pctx implements the dispatcher's Per-Packet Context: the
// caller-owned "current" view (self address, peer address, opaque user
// value) that must be snapshotted before any suspending operation and
// restored exactly on resumption, per spec.md §4.6/§5.
package pctx

import "net/netip"

// Context is the dispatcher's notion of "what packet am I currently
// processing", exposed to collaborators during dispatch.
type Context struct {
	SelfAddr netip.AddrPort
	PeerAddr netip.AddrPort
	User     any
}

// Clone returns an independent copy safe to stash across a suspension
// point. User is copied by reference (it is caller-owned opaque data);
// everything else is a value copy.
func (c Context) Clone() Context {
	return Context{
		SelfAddr: c.SelfAddr,
		PeerAddr: c.PeerAddr,
		User:     c.User,
	}
}

// Snapshot captures a Context for later restoration around a suspension
// point such as chlo.Validator.Submit.
type Snapshot struct {
	saved Context
}

// Save captures cur for later Restore.
func Save(cur Context) Snapshot {
	return Snapshot{saved: cur.Clone()}
}

// Restore returns the saved view, to be written back into the
// dispatcher's "current" field before any dispatcher state is observed
// by resumed code, per spec.md §5's ordering guarantee.
func (s Snapshot) Restore() Context {
	return s.saved.Clone()
}
