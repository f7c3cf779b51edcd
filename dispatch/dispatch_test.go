package dispatch

import (
	"net/netip"
	"testing"
	"time"

	"github.com/momentics/quicdispatch/chlo"
	"github.com/momentics/quicdispatch/config"
	"github.com/momentics/quicdispatch/metrics"
	"github.com/momentics/quicdispatch/pctx"
	"github.com/momentics/quicdispatch/session"
	"github.com/momentics/quicdispatch/wire"
)

// buildLongHeader assembles a minimal IETF long-header (Initial-shaped)
// datagram with an empty source connection id, a one-byte marker right
// after the packet number identifying a CHLO to markerDetector, and zero
// padding out to totalLen.
func buildLongHeader(dcid []byte, version uint32, pn uint64, pnLen int, marker byte, totalLen int) []byte {
	first := byte(0x80 | (pnLen - 1))
	b := []byte{first}
	b = append(b, byte(version>>24), byte(version>>16), byte(version>>8), byte(version))
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, 0) // empty source connection id
	pnBytes := make([]byte, pnLen)
	for i := 0; i < pnLen; i++ {
		pnBytes[pnLen-1-i] = byte(pn >> (8 * i))
	}
	b = append(b, pnBytes...)
	b = append(b, marker)
	for len(b) < totalLen {
		b = append(b, 0)
	}
	return b
}

const (
	markerCHLO    byte = 0xC1
	markerNonCHLO byte = 0x00
)

// markerDetector treats the byte immediately following the packet number
// as a CHLO/non-CHLO marker, since these synthetic datagrams carry no real
// TLS CRYPTO frame.
type markerDetector struct{}

func (markerDetector) Detect(datagram []byte, peek wire.PeekResult) (bool, string, []byte) {
	hdrLen := 7 + len(peek.DestConnectionID) + peek.PacketNumberLen
	if hdrLen >= len(datagram) {
		return false, "", nil
	}
	if datagram[hdrLen] != markerCHLO {
		return false, "", nil
	}
	return true, "h3", datagram[hdrLen+1:]
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

type recordingWriter struct {
	writes []recordedWrite
}

type recordedWrite struct {
	peer  netip.AddrPort
	frame []byte
}

func (w *recordingWriter) Write(peer netip.AddrPort, b []byte) (int, error) {
	w.writes = append(w.writes, recordedWrite{peer: peer, frame: append([]byte(nil), b...)})
	return len(b), nil
}

type recordingSession struct {
	id      string
	ctx     pctx.Context
	alpn    string
	version uint32
	host    Host
	packets [][]byte
	closes  []session.CloseReason
}

func (s *recordingSession) ID() string { return s.id }
func (s *recordingSession) HandlePacket(b []byte, selfAddr, peerAddr string) {
	s.packets = append(s.packets, append([]byte(nil), b...))
}
func (s *recordingSession) Close(reason session.CloseReason) error {
	s.closes = append(s.closes, reason)
	return nil
}
func (s *recordingSession) CanWrite() {}

func newRecordingFactory(created *[]*recordingSession) SessionFactory {
	return func(id string, ctx pctx.Context, alpn string, version uint32, host Host) session.Session {
		s := &recordingSession{id: id, ctx: ctx, alpn: alpn, version: version, host: host}
		*created = append(*created, s)
		return s
	}
}

func acceptAllValidator() chlo.Validator {
	return chlo.SyncValidator{Decide: func(id string, chloBytes []byte) chlo.Result {
		return chlo.Result{Decision: chlo.Accept}
	}}
}

func newTestDispatcher(cfg *config.Config, created *[]*recordingSession, validator chlo.Validator, clock Clock, writer Writer) *Dispatcher {
	return New(cfg, Collaborators{
		SessionFactory: newRecordingFactory(created),
		CHLODetector:   markerDetector{},
		Validator:      validator,
		Clock:          clock,
		Writer:         writer,
	}, nil)
}

func addrPort(host string, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(host), port)
}

func TestTwoCHLOsRouteToDistinctSessions(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), &fixedClock{}, &recordingWriter{})

	dcid1 := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	dcid2 := []byte{2, 2, 2, 2, 2, 2, 2, 2}
	dgram1 := buildLongHeader(dcid1, 1, 1, 1, markerCHLO, 20)
	dgram2 := buildLongHeader(dcid2, 1, 1, 1, markerCHLO, 20)

	self := addrPort("127.0.0.1", 443)
	d.ProcessPacket(self, addrPort("10.0.0.1", 55001), dgram1, nil)
	d.ProcessPacket(self, addrPort("10.0.0.2", 55002), dgram2, nil)

	if len(created) != 2 {
		t.Fatalf("expected 2 sessions created, got %d", len(created))
	}
	if created[0].id == created[1].id {
		t.Fatal("expected distinct connection ids")
	}
	if d.table.Len() != 2 {
		t.Fatalf("expected 2 live sessions in table, got %d", d.table.Len())
	}
}

func TestVersionNegotiationEmittedOnceForLargeDatagram(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession
	writer := &recordingWriter{}
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), &fixedClock{}, writer)

	dcid := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	dgram := buildLongHeader(dcid, 0xdeadbeef, 1, 1, markerNonCHLO, 1200)

	self := addrPort("127.0.0.1", 443)
	peer := addrPort("10.0.0.9", 55009)
	d.ProcessPacket(self, peer, dgram, nil)

	if len(writer.writes) != 1 {
		t.Fatalf("expected exactly one version negotiation reply, got %d", len(writer.writes))
	}
	if len(created) != 0 {
		t.Fatalf("expected no session created for an unsupported version, got %d", len(created))
	}

	// A retransmission of the same probe must not double the emission
	// count within the backoff gap.
	d.ProcessPacket(self, peer, dgram, nil)
	if len(writer.writes) != 1 {
		t.Fatalf("expected retransmission rate-limited, still 1 write, got %d", len(writer.writes))
	}
}

func TestUnsupportedVersionSmallDatagramDropped(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession
	writer := &recordingWriter{}
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), &fixedClock{}, writer)

	dcid := []byte{5, 5, 5, 5, 5, 5, 5, 5}
	dgram := buildLongHeader(dcid, 0xdeadbeef, 1, 1, markerNonCHLO, 40)

	d.ProcessPacket(addrPort("127.0.0.1", 443), addrPort("10.0.0.5", 55005), dgram, nil)

	if len(writer.writes) != 0 {
		t.Fatalf("expected zero emissions for a small unsupported-version datagram, got %d", len(writer.writes))
	}
}

func TestPostCloseDatagramGoesToTimeWaitNotNewSession(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), &fixedClock{}, &recordingWriter{})

	dcid := []byte{3, 3, 3, 3, 3, 3, 3, 3}
	self := addrPort("127.0.0.1", 443)
	peer := addrPort("10.0.0.3", 55003)

	chloDgram := buildLongHeader(dcid, 1, 1, 1, markerCHLO, 20)
	d.ProcessPacket(self, peer, chloDgram, nil)
	if len(created) != 1 {
		t.Fatalf("expected 1 session created, got %d", len(created))
	}

	dispatcherHost{d: d}.RequestClose(created[0].id, session.ReasonSelfClose)
	if d.table.Len() != 0 {
		t.Fatalf("expected session removed from table after close, got %d live", d.table.Len())
	}
	if !d.tw.Contains(created[0].id) {
		t.Fatal("expected connection id time-waited after close")
	}

	straggler := buildLongHeader(dcid, 1, 2, 1, markerNonCHLO, 20)
	d.ProcessPacket(self, peer, straggler, nil)

	if len(created) != 1 {
		t.Fatalf("expected no new session created for a post-close straggler, got %d total", len(created))
	}
}

func TestSeventeenPreCHLODatagramsBufferSixteenThenDrop(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), &fixedClock{}, &recordingWriter{})

	dcid := []byte{4, 4, 4, 4, 4, 4, 4, 4}
	self := addrPort("127.0.0.1", 443)
	peer := addrPort("10.0.0.4", 55004)

	for i := 0; i < 17; i++ {
		dgram := buildLongHeader(dcid, 1, uint64(i+1), 1, markerNonCHLO, 20)
		d.ProcessPacket(self, peer, dgram, nil)
	}

	if got := d.store.Connections(); got != 1 {
		t.Fatalf("expected exactly 1 buffered connection, got %d", got)
	}
	stats := d.Stats()
	if stats[metrics.CounterDroppedBufferFull] != 1 {
		t.Fatalf("expected exactly 1 dropped datagram, got %d", stats[metrics.CounterDroppedBufferFull])
	}

	chloDgram := buildLongHeader(dcid, 1, 18, 1, markerCHLO, 20)
	d.ProcessPacket(self, peer, chloDgram, nil)

	if len(created) != 1 {
		t.Fatalf("expected 1 session created, got %d", len(created))
	}
	if len(created[0].packets) != 17 {
		t.Fatalf("expected CHLO plus 16 buffered followers delivered, got %d packets", len(created[0].packets))
	}
}

func TestSessionBudgetBuffersOverflowThenProcessBufferedChlosDrains(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), &fixedClock{}, &recordingWriter{})

	self := addrPort("127.0.0.1", 443)
	for i := 0; i < 117; i++ {
		dcid := []byte{byte(i >> 8), byte(i), 0, 0, 0, 0, 0, 0}
		dgram := buildLongHeader(dcid, 1, 1, 1, markerCHLO, 20)
		d.ProcessPacket(self, addrPort("10.0.1.1", uint16(20000+i)), dgram, nil)
	}

	if len(created) != 16 {
		t.Fatalf("expected 16 sessions created immediately (per-event-loop budget), got %d", len(created))
	}
	if got := d.store.Connections(); got != 100 {
		t.Fatalf("expected 100 CHLOs buffered, got %d", got)
	}

	for i := 0; i < 7; i++ {
		d.ProcessBufferedChlos(16)
	}

	if len(created) != 116 {
		t.Fatalf("expected 116 total sessions created after draining the buffer, got %d", len(created))
	}
	if got := d.store.Connections(); got != 0 {
		t.Fatalf("expected buffer drained, got %d remaining", got)
	}
}

func TestUnreasonableInitialPacketNumberDropped(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), &fixedClock{}, &recordingWriter{})

	dcid := []byte{7, 7, 7, 7, 7, 7, 7, 7}
	// MaxReasonableInitialPacketNumber defaults to 1000; 2000 exceeds it
	// and requires a 2-byte packet number field to encode.
	dgram := buildLongHeader(dcid, 1, 2000, 2, markerCHLO, 20)

	d.ProcessPacket(addrPort("127.0.0.1", 443), addrPort("10.0.0.7", 55007), dgram, nil)

	if len(created) != 0 {
		t.Fatalf("expected no session created for an unreasonable initial packet number, got %d", len(created))
	}
	if !d.tw.Contains(string(dcid)) {
		t.Fatal("expected connection id time-waited after unreasonable initial packet number")
	}
}

func TestAsyncValidationWithInterleavedCHLOs(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession

	var pendingResolve func(chlo.Result)
	validator := deferringValidator{
		onSubmit: func(id string, chloBytes []byte, resolve func(chlo.Result)) chlo.Result {
			if id == "deferred" {
				pendingResolve = resolve
				return chlo.Result{Decision: chlo.Defer}
			}
			return chlo.Result{Decision: chlo.Accept}
		},
	}
	d := newTestDispatcher(cfg, &created, validator, &fixedClock{}, &recordingWriter{})

	dcidDeferred := []byte("deferred")
	dcidImmediate := []byte{6, 6, 6, 6, 6, 6, 6, 6}

	self := addrPort("127.0.0.1", 443)
	d.ProcessPacket(self, addrPort("10.0.0.6", 55006), buildLongHeader(dcidDeferred, 1, 1, 1, markerCHLO, 20), nil)
	if len(created) != 0 {
		t.Fatalf("expected no session yet for the deferred CHLO, got %d", len(created))
	}

	d.ProcessPacket(self, addrPort("10.0.0.60", 55060), buildLongHeader(dcidImmediate, 1, 1, 1, markerCHLO, 20), nil)
	if len(created) != 1 {
		t.Fatalf("expected the second, synchronously-accepted CHLO to create a session while the first is still pending, got %d", len(created))
	}

	if pendingResolve == nil {
		t.Fatal("expected a captured resolve callback for the deferred CHLO")
	}
	pendingResolve(chlo.Result{Decision: chlo.Accept})

	if len(created) != 2 {
		t.Fatalf("expected the deferred CHLO to create its session on resolution, got %d", len(created))
	}
}

func TestPerPacketContextRestoredAcrossSuspension(t *testing.T) {
	cfg := config.New(config.WithEnabledVersions(1), config.WithServerConnectionIDLength(8))
	var created []*recordingSession

	var pendingResolve func(chlo.Result)
	validator := deferringValidator{
		onSubmit: func(id string, chloBytes []byte, resolve func(chlo.Result)) chlo.Result {
			pendingResolve = resolve
			return chlo.Result{Decision: chlo.Defer}
		},
	}
	d := newTestDispatcher(cfg, &created, validator, &fixedClock{}, &recordingWriter{})

	originalPeer := addrPort("10.0.0.42", 55042)
	dcid := []byte{8, 8, 8, 8, 8, 8, 8, 8}
	d.ProcessPacket(addrPort("127.0.0.1", 443), originalPeer, buildLongHeader(dcid, 1, 1, 1, markerCHLO, 20), nil)

	// Simulate the event loop moving on to unrelated traffic while the
	// validator's decision is still outstanding.
	otherDcid := []byte{88, 88, 88, 88, 88, 88, 88, 88}
	d.ProcessPacket(addrPort("127.0.0.1", 443), addrPort("10.0.0.99", 55099), buildLongHeader(otherDcid, 1, 1, 1, markerNonCHLO, 20), nil)

	pendingResolve(chlo.Result{Decision: chlo.Accept})

	if len(created) != 1 {
		t.Fatalf("expected exactly 1 session created, got %d", len(created))
	}
	if created[0].ctx.PeerAddr != originalPeer {
		t.Fatalf("expected session created with the original packet's peer address %v, got %v", originalPeer, created[0].ctx.PeerAddr)
	}
}

func TestTickExpiresTimeWaitAndBufferedConnections(t *testing.T) {
	cfg := config.New(
		config.WithEnabledVersions(1),
		config.WithServerConnectionIDLength(8),
		config.WithBufferedPacketStoreLimits(100, 50, 16, 1*time.Second),
		config.WithTimeWait(1*time.Second, 100),
	)
	var created []*recordingSession
	clock := &fixedClock{t: time.Unix(0, 0)}
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), clock, &recordingWriter{})

	self := addrPort("127.0.0.1", 443)

	bufferedDcid := []byte{10, 10, 10, 10, 10, 10, 10, 10}
	d.ProcessPacket(self, addrPort("10.0.0.10", 55010), buildLongHeader(bufferedDcid, 1, 1, 1, markerNonCHLO, 20), nil)
	if got := d.store.Connections(); got != 1 {
		t.Fatalf("expected 1 buffered connection before tick, got %d", got)
	}

	closedDcid := []byte{11, 11, 11, 11, 11, 11, 11, 11}
	d.ProcessPacket(self, addrPort("10.0.0.11", 55011), buildLongHeader(closedDcid, 1, 1, 1, markerCHLO, 20), nil)
	if len(created) != 1 {
		t.Fatalf("expected 1 session created, got %d", len(created))
	}
	dispatcherHost{d: d}.RequestClose(created[0].id, session.ReasonSelfClose)
	if !d.tw.Contains(created[0].id) {
		t.Fatal("expected closed connection id time-waited before tick")
	}

	clock.t = clock.t.Add(2 * time.Second)
	d.Tick(clock.t)

	if d.tw.Contains(created[0].id) {
		t.Fatal("expected time-wait entry to have expired after tick")
	}
	if got := d.store.Connections(); got != 0 {
		t.Fatalf("expected buffered connection to have expired after tick, got %d remaining", got)
	}
	if !d.tw.Contains(string(bufferedDcid)) {
		t.Fatal("expected the expired buffered connection id to be freshly time-waited")
	}
}

func TestStartTimersPostsToChannelsDrainedAtEndOfTick(t *testing.T) {
	cfg := config.New(
		config.WithEnabledVersions(1),
		config.WithServerConnectionIDLength(8),
		config.WithBufferedPacketStoreLimits(100, 50, 16, 1*time.Millisecond),
		config.WithTimeWait(1*time.Millisecond, 100),
	)
	var created []*recordingSession
	d := newTestDispatcher(cfg, &created, acceptAllValidator(), &fixedClock{t: time.Unix(0, 0)}, &recordingWriter{})

	self := addrPort("127.0.0.1", 443)
	dcid := []byte{12, 12, 12, 12, 12, 12, 12, 12}
	d.ProcessPacket(self, addrPort("10.0.0.12", 55012), buildLongHeader(dcid, 1, 1, 1, markerNonCHLO, 20), nil)
	if got := d.store.Connections(); got != 1 {
		t.Fatalf("expected 1 buffered connection, got %d", got)
	}

	stop := d.StartTimers()
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for d.store.Connections() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		d.OnCanWrite()
	}

	if got := d.store.Connections(); got != 0 {
		t.Fatalf("expected the background buffer-expiration ticker to eventually clear the buffered connection, got %d remaining", got)
	}
}

type deferringValidator struct {
	onSubmit func(id string, chloBytes []byte, resolve func(chlo.Result)) chlo.Result
}

func (v deferringValidator) Submit(id string, chloBytes []byte, resolve func(chlo.Result)) chlo.Result {
	return v.onSubmit(id, chloBytes, resolve)
}
