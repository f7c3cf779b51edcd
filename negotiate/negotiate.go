// Package negotiate implements Version Negotiation of spec.md §4.3: given
// a requested version and the enabled version set, decide accept /
// negotiate / drop, guarding against amplification via small spoofed
// probes.
package negotiate

// Outcome is the result of evaluating an incoming datagram's version.
type Outcome int

const (
	// Accept means the version is supported; dispatch continues normally.
	Accept Outcome = iota
	// Negotiate means the version is unsupported but the datagram is
	// large enough to justify a Version Negotiation reply.
	Negotiate
	// Drop means the version is unsupported and the datagram is too
	// small to justify a reply (anti-amplification).
	Drop
)

// Decide evaluates a datagram's declared version against the enabled set.
// sizeFloor is config.Config.VersionNegotiationSizeFloor (default 1200).
func Decide(hasVersion bool, version uint32, datagramLen int, isEnabled func(uint32) bool, sizeFloor int) Outcome {
	if !hasVersion {
		return Accept
	}
	if isEnabled(version) {
		return Accept
	}
	if datagramLen >= sizeFloor {
		return Negotiate
	}
	return Drop
}

// BuildReply encodes a Version Negotiation packet advertising the enabled
// version set, echoing the peer's connection IDs as required so the peer
// can correlate the reply to its original datagram.
func BuildReply(destConnID, srcConnID []byte, enabled []uint32) []byte {
	// Long-header form with the version field forced to 0, the IETF
	// reserved marker for a Version Negotiation packet.
	out := make([]byte, 0, 7+len(destConnID)+len(srcConnID)+4*len(enabled))
	out = append(out, 0x80)
	out = append(out, 0, 0, 0, 0) // version = 0
	out = append(out, byte(len(destConnID)))
	out = append(out, destConnID...)
	out = append(out, byte(len(srcConnID)))
	out = append(out, srcConnID...)
	for _, v := range enabled {
		out = append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return out
}
