// Package chlo implements the Async CHLO Validator of spec.md §4.6: the
// sole suspension point in the dispatcher. A Validator decides Accept,
// Reject, or Defer for a datagram that appears to begin a new connection,
// without blocking the caller.
package chlo

// Decision is the validator's synchronous verdict, or a marker that the
// verdict will arrive later via callback.
type Decision int

const (
	// Accept means the dispatcher should create a session immediately.
	Accept Decision = iota
	// Reject means the dispatcher should time-wait the connection id with
	// the supplied close frame.
	Reject
	// Defer means the verdict is not yet known; a later call to the
	// callback passed to Submit will supply it.
	Defer
)

// Result is returned synchronously by Submit (for Accept/Reject) and
// asynchronously via the callback (for a prior Defer). ALPN is threaded
// through so the dispatcher can hand it to the session factory without
// re-parsing the CHLO.
type Result struct {
	Decision   Decision
	CloseFrame []byte // meaningful only when Decision == Reject
	ALPN       string
}

// Validator is the embedder-supplied (possibly asynchronous) CHLO
// validation collaborator named in spec.md §6. Submit must not be called
// for a connection id already present in the session table or time-wait
// list — that invariant is enforced by the dispatcher, not by Validator
// implementations.
type Validator interface {
	// Submit evaluates the CHLO and returns a synchronous Result for
	// Accept/Reject. For Defer, resolve is invoked exactly once, later,
	// with the final Accept/Reject Result. resolve applies the verdict to
	// dispatcher state immediately, so it must be called on the
	// dispatcher's own goroutine, preserving the single-threaded
	// cooperative model of spec.md §5.
	Submit(id string, chlo []byte, resolve func(Result)) Result
}

// SyncValidator adapts a plain synchronous decision function into a
// Validator that never defers, for embedders (and tests) with a
// synchronous crypto stack.
type SyncValidator struct {
	Decide func(id string, chlo []byte) Result
}

// Submit implements Validator by calling Decide synchronously.
func (v SyncValidator) Submit(id string, chlo []byte, _ func(Result)) Result {
	return v.Decide(id, chlo)
}
