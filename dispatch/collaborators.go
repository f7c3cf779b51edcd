// Package dispatch implements the Dispatcher Core of spec.md §4.9: the
// state machine that composes the wire, connid, negotiate, timewait,
// bufferstore, chlo, session, and writeblocked packages into the single
// entry point for inbound QUIC datagrams.
package dispatch

import (
	"net/netip"
	"time"

	"github.com/momentics/quicdispatch/chlo"
	"github.com/momentics/quicdispatch/connid"
	"github.com/momentics/quicdispatch/pctx"
	"github.com/momentics/quicdispatch/session"
	"github.com/momentics/quicdispatch/wire"
)

// Writer is the shared, non-owning collaborator every session and the
// dispatcher itself write through, per spec.md §3's Session ownership
// note and §6's "Writer" collaborator hook.
type Writer interface {
	Write(peerAddr netip.AddrPort, b []byte) (int, error)
}

// Clock abstracts wall-clock time so tests can control expiry and
// time-wait deadlines deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Host is the weak, non-owning reference a Session holds back to the
// dispatcher, used only to request deregistration or write-blocked
// registration, per spec.md §3: "Back-references from a session to the
// dispatcher are weak (used only to request deregistration on close)."
type Host interface {
	// MarkWriteBlocked registers id in the Write-Blocked Arbiter; a
	// no-op if already registered.
	MarkWriteBlocked(id string)
	// RequestClose runs the full session-close sequence of spec.md §4.7
	// for id: close hook, arbiter removal, time-wait insertion, and
	// end-of-tick destruction.
	RequestClose(id string, reason session.CloseReason)
}

// SessionFactory creates a new Session for an accepted CHLO. host is the
// weak back-reference described above; ctx is the Per-Packet Context of
// the datagram that carried the CHLO — the original one, restored across
// any async validator suspension, not whatever datagram the dispatcher
// happens to be processing when the verdict actually arrives.
type SessionFactory func(id string, ctx pctx.Context, alpn string, version uint32, host Host) session.Session

// ShouldBufferFunc lets the embedder veto buffering a pre-session
// datagram, per spec.md §6's ShouldCreateOrBufferPacketForConnection
// hook.
type ShouldBufferFunc func(id string, isIETF bool) bool

// CHLODetector extracts whether a pre-session datagram is a CHLO and, if
// so, its ALPN token and raw CHLO bytes. CHLO framing is negotiated by
// version (legacy handshake message vs TLS CRYPTO frame) and depends on
// the cryptographic handshake state machine, which is out of scope per
// spec.md §1 — this interface is the seam an embedder's crypto stack
// plugs into.
type CHLODetector interface {
	Detect(datagram []byte, peek wire.PeekResult) (isCHLO bool, alpn string, chloBytes []byte)
}

// Collaborators bundles every embedder-supplied capability named in
// spec.md §6, re-architected as an explicit record per spec.md §9 rather
// than virtual hooks on a base class. Test doubles populate the same
// fields; no private access workarounds are needed.
type Collaborators struct {
	SessionFactory SessionFactory
	ShouldBuffer   ShouldBufferFunc
	Random         connid.RandomSource
	Clock          Clock
	Writer         Writer
	Validator      chlo.Validator
	CHLODetector   CHLODetector
}
