// Package connid implements the Connection Identifier Policy of
// spec.md §4.2: canonicalizing a client-chosen connection ID to a
// server-accepted length, or rejecting it.
package connid

import "crypto/rand"

// Decision is the outcome of evaluating a connection ID against policy.
type Decision int

const (
	// Reject means: drop the datagram, no time-wait entry is created.
	Reject Decision = iota
	// Accept means: the connection ID as parsed is usable unchanged.
	Accept
	// Replace means: continue dispatch using a freshly generated ID of
	// the server's fixed length. The replacement mapping is NOT
	// remembered (spec.md §4.2's documented residual risk).
	Replace
)

// RandomSource supplies the bytes used to synthesize a replacement ID.
// Injected so tests can use a deterministic source.
type RandomSource interface {
	Read(p []byte) (n int, err error)
}

// cryptoRandSource is the default RandomSource, backed by crypto/rand.
type cryptoRandSource struct{}

func (cryptoRandSource) Read(p []byte) (int, error) { return rand.Read(p) }

// DefaultRandomSource is the CSPRNG-backed default, used when the
// embedder does not inject one of its own.
var DefaultRandomSource RandomSource = cryptoRandSource{}

// Policy evaluates connection IDs against a fixed server length, an
// accepted variable-length range, and a Replace-allowance toggle.
type Policy struct {
	ServerConnectionIDLength int
	RangeLo, RangeHi         int
	AllowShortInitialIDs     bool
	VariableLengthVersion    bool
	Random                   RandomSource
}

// Evaluate returns the Decision for id, plus the effective connection ID
// to continue dispatch with (id itself on Accept, a freshly generated one
// on Replace, nil on Reject).
func (p Policy) Evaluate(id []byte) (Decision, []byte) {
	rnd := p.Random
	if rnd == nil {
		rnd = DefaultRandomSource
	}

	if p.VariableLengthVersion {
		if len(id) >= p.RangeLo && len(id) <= p.RangeHi {
			return Accept, id
		}
		if p.AllowShortInitialIDs {
			replacement := make([]byte, p.ServerConnectionIDLength)
			if _, err := rnd.Read(replacement); err != nil {
				return Reject, nil
			}
			return Replace, replacement
		}
		return Reject, nil
	}

	if len(id) != p.ServerConnectionIDLength {
		return Reject, nil
	}
	return Accept, id
}
