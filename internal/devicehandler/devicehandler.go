// Package devicehandler owns the per-link phase state machine:
// LinkDown -> DiscoveringDevice -> Connecting -> Connected, with the
// regressions each submodule's failure demands. Exactly one submodule is
// active per phase, driven by Poll/Action; submodules never call the
// dispatcher directly and information flows upward only through return
// values.
package devicehandler

import (
	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/commhandler"
	"scrutiny-server/internal/datastore"
	"scrutiny-server/internal/devicephase"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/eventbus"
	"scrutiny-server/internal/link"
	"scrutiny-server/internal/metrics"
	"scrutiny-server/internal/protoerr"
	"scrutiny-server/internal/protocol"
	"scrutiny-server/internal/submodule"
	"scrutiny-server/internal/throttler"
	"scrutiny-server/internal/timebase"
)

// Config bundles the fixed, locally-configured knobs DeviceHandler needs
// beyond whatever the device itself announces: the server's own rx/tx
// staging buffers and dispatcher/throttle caps are local policy,
// independent of the device's negotiated buffer sizes.
type Config struct {
	RxBufferSize      int
	TxBufferSize      int
	RxTimeoutUs       uint64
	MaxQueueLen       int
	MaxQueueBytes     int
	MaxBitrateBps     float64
	ThrottleWindowSec float64
}

// DeviceInfo republishes submodule.DeviceInfo under devicehandler's own
// name, so callers outside internal/submodule never need that import.
type DeviceInfo = submodule.DeviceInfo

// DeviceHandler orchestrates one Link through the full session lifecycle:
// handshake, heartbeats, one-shot info poll, and steady-state memory
// reconciliation, publishing state transitions on the eventbus. It is
// driven exclusively by Tick from the core's
// single cooperative event loop; it is not safe for concurrent use.
type DeviceHandler struct {
	cfg   Config
	lnk   *link.Managed
	ch    *commhandler.CommHandler
	disp  *dispatcher.Dispatcher
	c     *codec.V1
	clock timebase.Clock
	bus   *eventbus.Connection

	ds *datastore.Datastore

	phase   devicephase.Phase
	lastCfg uint64

	searcher *submodule.Searcher
	session  *submodule.SessionInitializer
	info     *submodule.InfoPoller
	hb       *submodule.HeartbeatGenerator

	sessionResult submodule.SessionResult
	deviceInfo    DeviceInfo
	policy        datastore.MemoryPolicy

	reader *datastore.MemoryReader
	writer *datastore.MemoryWriter

	inFlightSeq uint64
	haveSeq     bool

	cmds          chan apiCommand
	disconnecting bool

	mtx            *metrics.Metrics
	connectedAtUs  uint64
	lastCRC        int
	lastOverflow   int
	lastTimeout    int
	lastHBMisses   int
}

// New wires a DeviceHandler around lnk. ds is the shared datastore that
// MemoryReader/MemoryWriter will reconcile once Connected.
func New(cfg Config, lnk *link.Managed, clock timebase.Clock, bus *eventbus.Connection, ds *datastore.Datastore) *DeviceHandler {
	th := throttler.New(cfg.MaxBitrateBps, cfg.ThrottleWindowSec)
	d := &DeviceHandler{
		cfg:   cfg,
		lnk:   lnk,
		ch:    commhandler.New(cfg.RxBufferSize, cfg.TxBufferSize, cfg.RxTimeoutUs),
		disp:  dispatcher.NewWithByteCap(cfg.MaxQueueLen, cfg.MaxQueueBytes, th),
		c:     codec.NewV1(),
		clock: clock,
		bus:   bus,
		ds:    ds,
		phase: devicephase.LinkDown,
		cmds:  make(chan apiCommand, 32),
	}
	d.searcher = submodule.NewSearcher(d.c, nil)
	d.session = submodule.NewSessionInitializer(d.c, clock)
	d.info = submodule.NewInfoPoller(d.c)
	return d
}

// WithMetrics attaches m so Tick feeds it from the wire/dispatcher/session
// counters each iteration; omit the call to run without instrumentation.
func (d *DeviceHandler) WithMetrics(m *metrics.Metrics) *DeviceHandler {
	d.mtx = m
	return d
}

// Phase reports the current device phase.
func (d *DeviceHandler) Phase() devicephase.Phase { return d.phase }

// Tick drives one iteration of the half-duplex wire, the dispatcher, the
// phase-appropriate submodule and (once Connected) the memory pollers.
func (d *DeviceHandler) Tick(nowUs uint64) {
	d.drainCommands(nowUs)
	d.lnk.Tick()
	d.pumpLink(nowUs)
	d.disp.Tick(nowUs)
	d.pumpDispatch(nowUs)

	if fatal, err := d.lnk.Fatal(); fatal {
		d.onLinkError(nowUs, err)
		return
	}
	if d.cfgChanged() {
		d.enterLinkDown(nowUs)
	}
	if d.disconnecting {
		d.disconnecting = false
		d.regress(nowUs, submodule.Action{
			Kind:      submodule.ActionRegress,
			RegressTo: devicephase.DiscoveringDevice,
			Reason:    protoerr.New(protoerr.ClassSessionExpired, "devicehandler", "explicit disconnect"),
		})
	}

	switch d.phase {
	case devicephase.LinkDown:
		d.tickLinkDown(nowUs)
	case devicephase.DiscoveringDevice:
		d.tickSearcher(nowUs)
	case devicephase.Connecting:
		d.tickConnecting(nowUs)
	case devicephase.Connected:
		d.tickConnected(nowUs)
	}
	d.reportMetrics(nowUs)
}

// reportMetrics feeds the counters and gauges commhandler, dispatcher and
// the heartbeat submodule accumulate into the attached Metrics, taking
// deltas against the last-seen cumulative totals since those owners expose
// running counts rather than per-tick events. A nil d.mtx (no WithMetrics
// call) makes this a no-op.
func (d *DeviceHandler) reportMetrics(nowUs uint64) {
	if d.mtx == nil {
		return
	}
	if crc := d.ch.CRCFailures(); crc > d.lastCRC {
		d.mtx.CRCFailures.Add(float64(crc - d.lastCRC))
		d.lastCRC = crc
	}
	if ov := d.ch.Overflows(); ov > d.lastOverflow {
		d.mtx.FrameOverflows.Add(float64(ov - d.lastOverflow))
		d.lastOverflow = ov
	}
	if to := d.disp.Timeouts(); to > d.lastTimeout {
		d.mtx.FrameTimeouts.Add(float64(to - d.lastTimeout))
		d.lastTimeout = to
	}
	d.mtx.DispatcherQueue.Set(float64(d.disp.Len()))
	d.mtx.ThrottleTokens.Set(d.disp.ThrottleTokens(nowUs))
	d.mtx.DevicePhase.Set(float64(d.phase))

	if d.hb != nil {
		if m := d.hb.TotalMisses(); m > d.lastHBMisses {
			d.mtx.HeartbeatMisses.Add(float64(m - d.lastHBMisses))
			d.lastHBMisses = m
		}
	}

	if d.phase == devicephase.Connected && d.connectedAtUs != 0 {
		d.mtx.SessionUptimeSec.Set(float64(nowUs-d.connectedAtUs) / 1_000_000)
	} else {
		d.mtx.SessionUptimeSec.Set(0)
	}
}

func (d *DeviceHandler) cfgChanged() bool {
	h := d.lnk.ConfigHash()
	if !d.lnk.Operational() {
		return false
	}
	changed := d.lastCfg != 0 && d.lastCfg != h
	d.lastCfg = h
	return changed
}

// pumpLink drains available inbound bytes into the CommHandler and, if a
// Response was just assembled, completes the in-flight dispatcher entry.
func (d *DeviceHandler) pumpLink(nowUs uint64) {
	if !d.lnk.Operational() {
		return
	}
	buf := make([]byte, 512)
	for {
		n, _ := d.lnk.ReadNonblocking(buf)
		if n == 0 {
			break
		}
		d.ch.ProcessData(nowUs, buf[:n])
	}
	if resp, ok := d.ch.TakeResponse(); ok && d.haveSeq {
		// Complete refuses a response whose (cmd, subfn) doesn't match the
		// outstanding request — e.g. a late reply to one that already timed
		// out — so only a genuine match releases the slot.
		if d.disp.Complete(d.inFlightSeq, resp) {
			d.haveSeq = false
		}
	}
}

// pumpDispatch hands the dispatcher's next eligible request to the
// CommHandler and drains any queued transmit bytes onto the link.
func (d *DeviceHandler) pumpDispatch(nowUs uint64) {
	if !d.lnk.Operational() {
		return
	}
	if req, seq, ok := d.disp.Next(nowUs); ok {
		if err := d.ch.SendRequest(req); err == nil {
			d.disp.MarkInFlight(nowUs, seq)
			d.inFlightSeq = seq
			d.haveSeq = true
		}
	}
	if d.ch.PendingTxBytes() > 0 {
		buf := make([]byte, d.ch.PendingTxBytes())
		n := d.ch.PopData(buf)
		if n > 0 {
			_, _ = d.lnk.Write(buf[:n])
		}
	}
}

func (d *DeviceHandler) onLinkError(nowUs uint64, err error) {
	if d.phase != devicephase.LinkDown {
		d.bus.Publish(d.bus.NewMessage(eventbus.TopicLinkError(), err, false))
	}
	d.enterLinkDown(nowUs)
}

func (d *DeviceHandler) enterLinkDown(nowUs uint64) {
	d.disp.CancelAll(protoerr.New(protoerr.ClassLinkFatal, "devicehandler", "link reconfigured or fatal"))
	d.disp.ResetThrottle(nowUs)
	d.teardownSession()
	d.setPhase(devicephase.LinkDown)
}

func (d *DeviceHandler) tickLinkDown(nowUs uint64) {
	if d.lnk.Operational() {
		d.searcher.Enable()
		d.setPhase(devicephase.DiscoveringDevice)
	}
}

func (d *DeviceHandler) tickSearcher(nowUs uint64) {
	act := d.searcher.Poll(nowUs)
	d.submit(act, d.searcher.HandleResult)
	if d.searcher.Phase() == submodule.Done {
		d.session.Enable()
		d.setPhase(devicephase.Connecting)
	}
}

func (d *DeviceHandler) tickConnecting(nowUs uint64) {
	act := d.session.Poll(nowUs)
	d.submit(act, d.session.HandleResult)
	switch {
	case d.session.Failed():
		d.regress(nowUs, d.session.RegressAction(nil))
	case d.session.Phase() == submodule.Done:
		d.sessionResult = d.session.Result()
		d.c.RxBufferSize = d.sessionResult.Params.RxBufferSize
		d.hb = submodule.NewHeartbeatGenerator(d.c, d.clock, d.sessionResult.SessionID, uint64(d.sessionResult.Params.HeartbeatTimeoutUs), nil)
		d.hb.Enable()
		d.info.Enable()
		d.setPhase(devicephase.Connected)
	}
}

func (d *DeviceHandler) tickConnected(nowUs uint64) {
	if d.info.Phase() != submodule.Disabled {
		act := d.info.Poll(nowUs)
		d.submit(act, d.info.HandleResult)
		switch {
		case d.info.Failed():
			d.regress(nowUs, d.info.RegressAction(nil))
			return
		case d.info.Phase() == submodule.Done:
			d.deviceInfo = d.info.Result()
			d.info.Disable()
			d.policy = datastore.MemoryPolicy{
				Readonly:  toSpans(d.deviceInfo.ReadonlyRegions),
				Forbidden: toSpans(d.deviceInfo.ForbiddenRegions),
			}
			d.reader = datastore.NewMemoryReader(d.ds, d.c, d.deviceInfo.AddressSize, d.policy,
				int(d.sessionResult.Params.RxBufferSize), int(d.sessionResult.Params.TxBufferSize))
			d.reader.SetNotify(func(h datastore.Handle, v datastore.Value, tsUs uint64) {
				upd := datastore.ValueUpdate{Handle: h, Value: v, TimestampUs: tsUs}
				d.bus.Publish(d.bus.NewMessage(eventbus.TopicEntryValue(string(h)), upd, false))
			})
			d.writer = datastore.NewMemoryWriter(d.ds, d.c, d.deviceInfo.AddressSize, d.policy,
				int(d.sessionResult.Params.RxBufferSize), int(d.sessionResult.Params.TxBufferSize))
			d.bus.Publish(d.bus.NewMessage(eventbus.TopicDeviceInfo(), d.deviceInfo, true))
		}
	}

	hbAct := d.hb.Poll(nowUs)
	d.submit(hbAct, d.hb.HandleResult)
	if d.hb.SessionLost() {
		d.regress(nowUs, d.hb.RegressAction(nil))
		return
	}

	if d.reader != nil {
		ract := d.reader.Poll(nowUs)
		if ract.Kind == datastore.PollSend {
			d.submitRaw(ract.Request, ract.Priority, uint64(ract.TimeoutUs), func(r dispatcher.Result) {
				d.reader.HandleResult(r, d.clock.NowUs())
				d.observeMemoryResult(r, d.mtx != nil, true)
			})
		}
	}
	if d.writer != nil {
		wact := d.writer.Poll(nowUs)
		if wact.Kind == datastore.PollSend {
			d.submitRaw(wact.Request, wact.Priority, uint64(wact.TimeoutUs), func(r dispatcher.Result) {
				d.writer.HandleResult(r)
				d.observeMemoryResult(r, d.mtx != nil, false)
			})
		}
	}
}

// observeMemoryResult feeds the memory read/write ok/error counters from a
// just-completed batch. enabled is passed rather than re-checked so callers
// that already captured d.mtx != nil don't re-read it after the closure may
// have outlived a metrics detach.
func (d *DeviceHandler) observeMemoryResult(r dispatcher.Result, enabled, isRead bool) {
	if !enabled || d.mtx == nil {
		return
	}
	ok := r.Err == nil && r.Response.ResponseCode == protocol.ResponseOK
	switch {
	case isRead && ok:
		d.mtx.MemoryReadOK.Inc()
	case isRead:
		d.mtx.MemoryReadErr.Inc()
	case ok:
		d.mtx.MemoryWriteOK.Inc()
	default:
		d.mtx.MemoryWriteErr.Inc()
	}
}

// submit dispatches act.Request if act.Kind==ActionSend, wiring cb as the
// dispatcher callback so the submodule's own HandleResult fires on the next
// Tick that completes or times it out, never synchronously from within Poll.
func (d *DeviceHandler) submit(act submodule.Action, cb func(dispatcher.Result)) {
	if act.Kind != submodule.ActionSend {
		return
	}
	d.submitRaw(act.Request, act.Priority, act.TimeoutUs, cb)
}

func (d *DeviceHandler) submitRaw(req protocol.Request, prio int, timeoutUs uint64, cb dispatcher.Callback) {
	_, _ = d.disp.Submit(req, prio, timeoutUs, cb)
}

func (d *DeviceHandler) regress(nowUs uint64, act submodule.Action) {
	d.disp.CancelAll(protoerr.New(protoerr.ClassSessionExpired, "devicehandler", "session regressed"))
	d.disp.ResetThrottle(nowUs)
	d.teardownSession()
	switch act.RegressTo {
	case devicephase.DiscoveringDevice:
		d.bus.Publish(d.bus.NewMessage(eventbus.TopicSessionLost(), act.Reason, false))
		d.searcher.Enable()
	case devicephase.Connecting:
		d.session.Enable()
	}
	d.setPhase(act.RegressTo)
}

func (d *DeviceHandler) teardownSession() {
	d.hb = nil
	d.reader = nil
	d.writer = nil
	d.c.RxBufferSize = 0
	d.ds.InvalidateAll()
	d.info.Disable()
	d.session.Disable()
	d.searcher.Disable()
}

func (d *DeviceHandler) setPhase(p devicephase.Phase) {
	if d.phase == p {
		return
	}
	d.phase = p
	if p == devicephase.Connected {
		d.connectedAtUs = d.clock.NowUs()
		d.lastHBMisses = 0
	} else {
		d.connectedAtUs = 0
	}
	d.bus.Publish(d.bus.NewMessage(eventbus.TopicDeviceState(), p, true))
}

func toSpans(rs []submodule.AddressRange) []datastore.AddressRangeSpan {
	out := make([]datastore.AddressRangeSpan, len(rs))
	for i, r := range rs {
		out[i] = datastore.AddressRangeSpan{Start: r.Start, End: r.End}
	}
	return out
}
