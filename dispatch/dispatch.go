package dispatch

import (
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/momentics/quicdispatch/bufferstore"
	"github.com/momentics/quicdispatch/chlo"
	"github.com/momentics/quicdispatch/config"
	"github.com/momentics/quicdispatch/connid"
	"github.com/momentics/quicdispatch/metrics"
	"github.com/momentics/quicdispatch/negotiate"
	"github.com/momentics/quicdispatch/pctx"
	"github.com/momentics/quicdispatch/session"
	"github.com/momentics/quicdispatch/timewait"
	"github.com/momentics/quicdispatch/wire"
	"github.com/momentics/quicdispatch/writeblocked"
)

// Dispatcher is the Dispatcher Core of spec.md §4.9: the single entry
// point inbound datagrams are handed to, and the only component that
// touches every other collaborator. Not safe for concurrent use — it
// must run on one goroutine, per spec.md §5's cooperative, lock-free
// concurrency model.
type Dispatcher struct {
	cfg    *config.Config
	collab Collaborators
	log    *log.Logger
	stats  *metrics.Registry

	table   *session.Table
	store   *bufferstore.Store
	tw      *timewait.List
	arbiter *writeblocked.Arbiter
	bufPool *datagramPool

	current       pctx.Context
	sessionBudget int
	pendingCHLO   map[string]struct{}

	twTick  chan time.Time
	bufTick chan time.Time
}

// New constructs a Dispatcher from cfg and collab. logger may be nil, in
// which case a default logrus.Logger is used.
func New(cfg *config.Config, collab Collaborators, logger *log.Logger) *Dispatcher {
	if collab.Clock == nil {
		collab.Clock = SystemClock{}
	}
	if logger == nil {
		logger = log.New()
	}

	d := &Dispatcher{
		cfg:    cfg,
		collab: collab,
		log:    logger,
		stats:  metrics.New(),

		table: session.New(),
		store: bufferstore.New(
			cfg.MaxBufferedConnections,
			cfg.MaxBufferedConnectionsNoCHLO,
			cfg.MaxPacketsPerBufferedConnection,
			cfg.BufferedConnectionExpiration,
		),
		tw: timewait.New(
			cfg.TimeWaitPeriod,
			cfg.TimeWaitCapacity,
			cfg.TimeWaitBackoffStart,
			cfg.TimeWaitBackoffCap,
		),
		arbiter: writeblocked.New(),
		bufPool: newDatagramPool(),

		sessionBudget: cfg.NewSessionsAllowedPerEventLoop,
		pendingCHLO:   make(map[string]struct{}),

		twTick:  make(chan time.Time, 1),
		bufTick: make(chan time.Time, 1),
	}
	return d
}

// StartTimers launches the two background goroutines spec.md §5 calls for:
// one ticking at the time-wait period to age out time-wait entries, one
// ticking at the buffered-connection idle expiration to age out
// pre-session buffers. Neither goroutine ever touches dispatcher state —
// each only posts the tick time to a buffered, coalescing channel that the
// dispatcher's own goroutine drains at the end of every public entry point
// (see endOfTick), preserving the single-goroutine, no-lock invariant.
// Callers not running an event loop that calls ProcessPacket/OnCanWrite
// often enough may instead drive this directly via Tick. The returned
// stop func must be called to release the tickers.
func (d *Dispatcher) StartTimers() (stop func()) {
	twTicker := time.NewTicker(d.cfg.TimeWaitPeriod)
	bufTicker := time.NewTicker(d.cfg.BufferedConnectionExpiration)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case t := <-twTicker.C:
				select {
				case d.twTick <- t:
				default:
				}
			case <-done:
				twTicker.Stop()
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case t := <-bufTicker.C:
				select {
				case d.bufTick <- t:
				default:
				}
			case <-done:
				bufTicker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// Tick runs the time-wait and buffer-expiration sweeps immediately, using
// now as the reference time, instead of waiting for StartTimers' tickers.
// An embedder that drives its own scheduling (e.g. a test, or a runtime
// without background goroutines) can call this directly at tick
// boundaries in place of StartTimers.
func (d *Dispatcher) Tick(now time.Time) {
	d.sweepTimeWait(now)
	d.sweepBufferExpiration(now)
}

// SetAllowShortInitialConnectionIds toggles the Connection Identifier
// Policy's Replace path at runtime, per spec.md §6.
func (d *Dispatcher) SetAllowShortInitialConnectionIds(allow bool) {
	d.cfg.AllowShortInitialConnectionIDs = allow
}

// Stats returns a point-in-time snapshot of every dispatcher counter and
// gauge, for an embedder to expose through its own metrics endpoint.
func (d *Dispatcher) Stats() map[string]int64 {
	d.stats.Set(metrics.GaugeLiveSessions, int64(d.table.Len()))
	d.stats.Set(metrics.GaugeBufferedConnections, int64(d.store.Connections()))
	d.stats.Set(metrics.GaugeBufferedConnectionsWithoutCHLO, int64(d.store.ConnectionsWithoutCHLO()))
	d.stats.Set(metrics.GaugeTimeWaitEntries, int64(d.tw.Len()))
	d.stats.Set(metrics.GaugeWriteBlockedConnections, int64(d.arbiter.Len()))
	return d.stats.Snapshot()
}

// ProcessPacket is the sole entry point for an inbound datagram, per
// spec.md §4.9. It must be called from the dispatcher's single event-loop
// thread. raw is the full UDP payload; user is opaque caller data threaded
// through the Per-Packet Context for the duration of this call, including
// across the sole suspension point (an async CHLO validation).
func (d *Dispatcher) ProcessPacket(selfAddr, peerAddr netip.AddrPort, raw []byte, user any) {
	d.current = pctx.Context{SelfAddr: selfAddr, PeerAddr: peerAddr, User: user}

	if peerAddr.Port() == 0 {
		d.stats.Inc(metrics.CounterDroppedPortZero, 1)
		d.log.WithField("peer", peerAddr).Debug("dropping datagram from port zero")
		d.endOfTick()
		return
	}

	cfg := d.cfg.Snapshot()
	peek, failure := wire.Peek(raw, cfg.ServerConnectionIDLength)
	if failure != wire.FailureNone {
		d.stats.Inc(metrics.CounterDroppedMalformedHeader, 1)
		d.log.WithFields(log.Fields{"peer": peerAddr, "reason": failure.String()}).Debug("dropping malformed datagram")
		d.endOfTick()
		return
	}

	id := string(peek.RoutingID())

	if s, ok := d.table.Lookup(id); ok {
		s.HandlePacket(raw, selfAddr.String(), peerAddr.String())
		d.endOfTick()
		return
	}

	if action, frame, found := d.tw.OnPacket(id); found {
		if action != timewait.ActionSilentDrop {
			d.writeReply(peerAddr, frame)
		}
		d.endOfTick()
		return
	}

	switch negotiate.Decide(peek.HasVersion, peek.Version, len(raw), cfg.IsVersionEnabled, cfg.VersionNegotiationSizeFloor) {
	case negotiate.Drop:
		d.stats.Inc(metrics.CounterDroppedUnsupportedVersion, 1)
		d.endOfTick()
		return
	case negotiate.Negotiate:
		d.sendVersionNegotiation(id, peek, cfg.EnabledVersions, peerAddr)
		d.endOfTick()
		return
	}

	policy := connid.Policy{
		ServerConnectionIDLength: cfg.ServerConnectionIDLength,
		RangeLo:                  cfg.ConnectionIDLengthRangeLo,
		RangeHi:                  cfg.ConnectionIDLengthRangeHi,
		AllowShortInitialIDs:     cfg.AllowShortInitialConnectionIDs,
		VariableLengthVersion:    peek.Form == wire.FormLong,
		Random:                   d.collab.Random,
	}
	decision, effective := policy.Evaluate(peek.DestConnectionID)
	switch decision {
	case connid.Reject:
		d.stats.Inc(metrics.CounterDroppedConnIDRejected, 1)
		d.endOfTick()
		return
	case connid.Replace:
		// The original (rejected-length) id is deliberately not time-waited:
		// spec.md §4.2's documented residual risk is that a straggler
		// addressed to the pre-replacement id is treated as a fresh arrival
		// rather than answered from time-wait.
		id = string(effective)
	}

	if peek.HasPacketNumber && peek.PacketNumber > cfg.MaxInitialPacketNumber() {
		d.stats.Inc(metrics.CounterDroppedUnreasonableIPN, 1)
		d.tw.Add(id, timewait.ActionSilentDrop, nil, d.clockNow())
		d.endOfTick()
		return
	}

	dgram := bufferstore.Datagram{
		Bytes:    raw,
		SelfAddr: selfAddr.String(),
		PeerAddr: peerAddr.String(),
		Received: d.clockNow(),
	}

	if _, pending := d.pendingCHLO[id]; pending {
		d.bufferOrDrop(id, dgram, peek.Form == wire.FormLong)
		d.endOfTick()
		return
	}

	var isCHLO bool
	var alpn string
	var chloBytes []byte
	if d.collab.CHLODetector != nil {
		isCHLO, alpn, chloBytes = d.collab.CHLODetector.Detect(raw, peek)
	}

	if !isCHLO {
		d.bufferOrDrop(id, dgram, peek.Form == wire.FormLong)
		d.endOfTick()
		return
	}

	d.sessionBudget--
	if d.sessionBudget < 0 {
		dgram.Bytes = d.bufPool.copyOf(dgram.Bytes)
		if !d.store.Enqueue(id, dgram, true, d.clockNow()) {
			d.stats.Inc(metrics.CounterDroppedBufferFull, 1)
			d.bufPool.release(dgram.Bytes)
		}
		d.endOfTick()
		return
	}

	d.submitToValidator(id, peek.Version, alpn, chloBytes, d.current, dgram)
	d.endOfTick()
}

// ProcessBufferedChlos flushes up to maxPerTick connections whose CHLO is
// sitting in the Buffered Packet Store because the per-event-loop session
// budget was exhausted when they first arrived, per spec.md §4.9's note on
// an explicit flush call rather than an implicit background timer. It does
// not consume the live per-event-loop budget — callers control pacing via
// maxPerTick directly.
func (d *Dispatcher) ProcessBufferedChlos(maxPerTick int) {
	cfg := d.cfg.Snapshot()
	ids := d.store.IDsWithCHLO()

	served := 0
	for _, id := range ids {
		if served >= maxPerTick {
			break
		}
		if _, pending := d.pendingCHLO[id]; pending {
			continue
		}
		dgrams := d.store.Drain(id)
		if len(dgrams) == 0 {
			continue
		}
		chloDgram := dgrams[0]

		peek, failure := wire.Peek(chloDgram.Bytes, cfg.ServerConnectionIDLength)
		if failure != wire.FailureNone {
			continue
		}
		var alpn string
		var chloBytes []byte
		if d.collab.CHLODetector != nil {
			_, alpn, chloBytes = d.collab.CHLODetector.Detect(chloDgram.Bytes, peek)
		}
		peerAddr, err := netip.ParseAddrPort(chloDgram.PeerAddr)
		if err != nil {
			continue
		}
		selfAddr, err := netip.ParseAddrPort(chloDgram.SelfAddr)
		if err != nil {
			continue
		}

		for _, follower := range dgrams[1:] {
			d.store.Enqueue(id, follower, false, d.clockNow())
		}

		// The buffered datagram carries no live per-packet User value: that
		// field is transient caller context (e.g. an RX ring slot) that does
		// not survive the trip through the Buffered Packet Store.
		ctx := pctx.Context{SelfAddr: selfAddr, PeerAddr: peerAddr}
		d.submitToValidator(id, peek.Version, alpn, chloBytes, ctx, chloDgram)
		served++
	}
	d.endOfTick()
}

// OnCanWrite drains the Write-Blocked Arbiter and resets the per-tick
// session-creation budget, per spec.md §4.9: the budget is scoped to the
// interval between successive writable events.
func (d *Dispatcher) OnCanWrite() {
	d.arbiter.OnWritable()
	d.sessionBudget = d.cfg.NewSessionsAllowedPerEventLoop
	d.endOfTick()
}

// Shutdown closes every live session with session.ReasonGoingAway,
// aggregating any errors their close hooks return.
func (d *Dispatcher) Shutdown() error {
	var errs *multierror.Error
	for _, id := range d.table.LiveIDs() {
		s, ok := d.table.Lookup(id)
		if !ok {
			continue
		}
		if err := s.Close(session.ReasonGoingAway); err != nil {
			errs = multierror.Append(errs, err)
		}
		d.arbiter.Remove(sessionWritable{s})
		d.table.MarkClosed(id, s)
		d.stats.Inc(metrics.CounterSessionsClosed, 1)
	}
	d.endOfTick()
	return errs.ErrorOrNil()
}

func (d *Dispatcher) clockNow() time.Time { return d.collab.Clock.Now() }

// submitToValidator asks the CHLO Validator for a verdict, saving and
// later restoring the Per-Packet Context around the call so a Defer's
// eventual callback resumes with the context of the datagram that
// triggered it, per spec.md §4.6/§5.
func (d *Dispatcher) submitToValidator(id string, version uint32, alpn string, chloBytes []byte, ctx pctx.Context, dgram bufferstore.Datagram) {
	d.pendingCHLO[id] = struct{}{}
	saved := pctx.Save(ctx)

	resolve := func(result chlo.Result) {
		restored := saved.Restore()
		d.current = restored
		delete(d.pendingCHLO, id)
		d.resolveCHLO(id, version, alpn, restored, dgram, result)
		d.endOfTick()
	}

	result := d.collab.Validator.Submit(id, chloBytes, resolve)
	if result.Decision == chlo.Defer {
		d.stats.Inc(metrics.CounterCHLOsDeferred, 1)
		return
	}
	delete(d.pendingCHLO, id)
	d.resolveCHLO(id, version, alpn, ctx, dgram, result)
}

func (d *Dispatcher) resolveCHLO(id string, version uint32, alpn string, ctx pctx.Context, dgram bufferstore.Datagram, result chlo.Result) {
	switch result.Decision {
	case chlo.Accept:
		d.acceptConnection(id, version, alpn, ctx, dgram)
	case chlo.Reject:
		d.stats.Inc(metrics.CounterCHLOsRejected, 1)
		d.store.Discard(id)
		d.tw.Add(id, timewait.ActionSendClose, result.CloseFrame, d.clockNow())
	default:
		// A validator that resolves Defer with Decision == Defer again is a
		// collaborator bug; treat the connection id as abandoned rather than
		// leave it wedged in pendingCHLO forever.
		d.log.WithField("id", id).Warn("chlo validator resolved with Defer; dropping")
		d.store.Discard(id)
		d.tw.Add(id, timewait.ActionSilentDrop, nil, d.clockNow())
	}
}

func (d *Dispatcher) acceptConnection(id string, version uint32, alpn string, ctx pctx.Context, chloDgram bufferstore.Datagram) {
	host := dispatcherHost{d: d}
	s := d.collab.SessionFactory(id, ctx, alpn, version, host)
	d.table.Insert(id, s)
	d.stats.Inc(metrics.CounterSessionsCreated, 1)

	s.HandlePacket(chloDgram.Bytes, chloDgram.SelfAddr, chloDgram.PeerAddr)
	for _, buffered := range d.store.Drain(id) {
		s.HandlePacket(buffered.Bytes, buffered.SelfAddr, buffered.PeerAddr)
		d.bufPool.release(buffered.Bytes)
	}
}

// bufferOrDrop copies dgram's bytes out of a pooled buffer before handing
// it to the Buffered Packet Store, since the caller's raw buffer for this
// datagram is not guaranteed to outlive the current ProcessPacket call.
func (d *Dispatcher) bufferOrDrop(id string, dgram bufferstore.Datagram, isIETF bool) {
	if d.collab.ShouldBuffer != nil && !d.collab.ShouldBuffer(id, isIETF) {
		return
	}
	dgram.Bytes = d.bufPool.copyOf(dgram.Bytes)
	if !d.store.Enqueue(id, dgram, false, d.clockNow()) {
		d.stats.Inc(metrics.CounterDroppedBufferFull, 1)
		d.bufPool.release(dgram.Bytes)
	}
}

func (d *Dispatcher) sendVersionNegotiation(id string, peek wire.PeekResult, enabled []uint32, peerAddr netip.AddrPort) {
	reply := negotiate.BuildReply(peek.SourceConnectionID, peek.DestConnectionID, enabled)
	d.tw.Add(id, timewait.ActionSendVersionNegotiation, reply, d.clockNow())
	if action, frame, found := d.tw.OnPacket(id); found && action == timewait.ActionSendVersionNegotiation {
		d.writeReply(peerAddr, frame)
		d.stats.Inc(metrics.CounterVersionNegotiationsSent, 1)
	}
}

func (d *Dispatcher) writeReply(peerAddr netip.AddrPort, frame []byte) {
	if d.collab.Writer == nil || len(frame) == 0 {
		return
	}
	if _, err := d.collab.Writer.Write(peerAddr, frame); err != nil {
		d.log.WithFields(log.Fields{"peer": peerAddr, "error": err}).Debug("write failed")
	}
}

// endOfTick performs the bookkeeping every public entry point must do
// exactly once, after all synchronous work: drain any pending timer ticks
// posted by StartTimers' goroutines, then drop references to sessions
// marked closed this tick, per spec.md §4.7's "never destroy a session
// from inside its own callback" invariant. The channel reads are
// non-blocking, so this is a no-op when StartTimers was never called.
func (d *Dispatcher) endOfTick() {
	select {
	case now := <-d.twTick:
		d.sweepTimeWait(now)
	default:
	}
	select {
	case now := <-d.bufTick:
		d.sweepBufferExpiration(now)
	default:
	}

	closed := d.table.DrainClosed()
	for _, s := range closed {
		d.arbiter.Remove(sessionWritable{s})
	}
}

// sweepTimeWait evicts time-wait entries whose deadline has passed.
func (d *Dispatcher) sweepTimeWait(now time.Time) {
	d.tw.Cleanup(now)
}

// sweepBufferExpiration evicts idle buffered connections, time-waiting
// each so a later straggler is silently dropped rather than re-buffered,
// per spec.md §4.5.
func (d *Dispatcher) sweepBufferExpiration(now time.Time) {
	for _, id := range d.store.Expire(now) {
		d.tw.Add(id, timewait.ActionSilentDrop, nil, now)
	}
}

// dispatcherHost implements Host as a weak, non-owning back-reference
// handed to sessions at creation time.
type dispatcherHost struct{ d *Dispatcher }

func (h dispatcherHost) MarkWriteBlocked(id string) {
	s, ok := h.d.table.Lookup(id)
	if !ok {
		return
	}
	h.d.arbiter.Add(sessionWritable{s})
}

// RequestClose runs the session-close sequence for a session that decided
// to close itself (as opposed to a CHLO rejection, which never reaches
// this path since no session exists yet). The resulting time-wait entry
// is always ActionSilentDrop: a session wanting to answer stragglers with
// a close frame must have sent it before calling RequestClose, since Host
// carries no frame parameter.
func (h dispatcherHost) RequestClose(id string, reason session.CloseReason) {
	s, ok := h.d.table.Lookup(id)
	if !ok {
		return
	}
	s.Close(reason)
	h.d.arbiter.Remove(sessionWritable{s})
	h.d.table.MarkClosed(id, s)
	h.d.stats.Inc(metrics.CounterSessionsClosed, 1)
	h.d.tw.Add(id, timewait.ActionSilentDrop, nil, h.d.clockNow())
}

// sessionWritable adapts a session.Session to writeblocked.Writable.
type sessionWritable struct{ session.Session }

func (s sessionWritable) WriteBlockedID() string { return s.ID() }
