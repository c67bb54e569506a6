package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/srg/ocfble/internal/bleuuid"
	"github.com/srg/ocfble/internal/host"
)

// maxConcurrentDispatch bounds how many peers a single multicast send
// drives through deliverTo at once, the "small thread pool abstraction"
// of the concurrency model: unbounded fan-out against a host adapter
// backed by a real radio would just serialize on the radio anyway.
const maxConcurrentDispatch = 8

// pendingSend tracks one in-flight transfer, unicast or multicast, to
// completion by a completion count rather than a single boolean so
// multicast can count partial success.
type pendingSend struct {
	mu   sync.Mutex
	cond *sync.Cond

	multicast bool
	address   string // unicast target; empty for multicast
	payload   []byte
	expected  int

	completed      int
	anyOk          bool
	completedPeers map[string]bool
	retried        map[string]bool
}

func newPendingSend(multicast bool, address string, payload []byte, expected int) *pendingSend {
	ps := &pendingSend{multicast: multicast, address: address, payload: payload, expected: expected}
	ps.cond = sync.NewCond(&ps.mu)
	return ps
}

// complete records one peer's terminal outcome, deduplicated by address so
// a peer that fires both a callback failure and a disconnect only counts
// once toward expected_count.
func (ps *pendingSend) complete(address string, ok bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.completedPeers == nil {
		ps.completedPeers = make(map[string]bool)
	}
	if ps.completedPeers[address] {
		return
	}
	ps.completedPeers[address] = true
	ps.completed++
	if ok {
		ps.anyOk = true
	}
	ps.cond.Broadcast()
}

// markRetried reports whether address has not yet consumed its one
// synchronous write retry, and consumes it if so.
func (ps *pendingSend) markRetried(address string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.retried == nil {
		ps.retried = make(map[string]bool)
	}
	if ps.retried[address] {
		return false
	}
	ps.retried[address] = true
	return true
}

func (ps *pendingSend) anyOkSnapshot() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.anyOk
}

// waitDone blocks until completed reaches expected or terminated is set.
// The wait itself has no deadline; the per-step timeouts inside each
// delivery already bound total latency.
func (ps *pendingSend) waitDone(terminated *atomic.Bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for ps.completed < ps.expected && !terminated.Load() {
		waitOnCond(ps.cond, 200*time.Millisecond)
	}
}

// sendOrchestrator owns the send mutex (the outermost tier of the mutex
// hierarchy) and implements host.Callbacks, since the callback-driven half
// of the state machine and the synchronous half share all of this state.
type sendOrchestrator struct {
	mu sync.Mutex // "send" tier: held for the whole duration of one send

	adapter    host.Adapter
	registry   *Registry
	discovered *DiscoveredPeers
	scan       *scanController
	logger     *logrus.Entry

	cfgMu sync.Mutex
	cfg   *Config

	stateMu sync.Mutex
	current *pendingSend

	terminated atomic.Bool

	receivedCBMu sync.Mutex
	receivedCB   func(address string, data []byte)

	errorCBMu sync.Mutex
	errorCB   func(address string, data []byte, err error)
}

func newSendOrchestrator(adapter host.Adapter, registry *Registry, discovered *DiscoveredPeers, scan *scanController, cfg *Config, logger *logrus.Entry) *sendOrchestrator {
	return &sendOrchestrator{
		adapter:    adapter,
		registry:   registry,
		discovered: discovered,
		scan:       scan,
		cfg:        cfg,
		logger:     logger.WithField("component", "send"),
	}
}

func (o *sendOrchestrator) config() *Config {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	return o.cfg
}

func (o *sendOrchestrator) setConfig(c *Config) {
	o.cfgMu.Lock()
	o.cfg = c
	o.cfgMu.Unlock()
}

func (o *sendOrchestrator) currentSend() *pendingSend {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.current
}

func (o *sendOrchestrator) setCurrent(ps *pendingSend) {
	o.stateMu.Lock()
	o.current = ps
	o.stateMu.Unlock()
}

// completeCurrentFor records a terminal outcome for address against the
// send in flight, if address is actually one of its targets.
func (o *sendOrchestrator) completeCurrentFor(address string, ok bool) {
	ps := o.currentSend()
	if ps == nil {
		return
	}
	if ps.multicast || ps.address == address {
		ps.complete(address, ok)
	}
}

func (o *sendOrchestrator) setReceivedCB(cb func(address string, data []byte)) {
	o.receivedCBMu.Lock()
	o.receivedCB = cb
	o.receivedCBMu.Unlock()
}

func (o *sendOrchestrator) setErrorCB(cb func(address string, data []byte, err error)) {
	o.errorCBMu.Lock()
	o.errorCB = cb
	o.errorCBMu.Unlock()
}

func (o *sendOrchestrator) fireError(address string, payload []byte, err error) {
	o.errorCBMu.Lock()
	cb := o.errorCB
	o.errorCBMu.Unlock()
	if cb != nil {
		cb(address, payload, err)
	}
}

// sendUnicast delivers payload to a single peer: ensure it's discovered,
// pause scanning for the duration of the send, connect/bond/discover/
// negotiate MTU/enable notifications/write as needed, then wait for the
// write (or an earlier failure) to settle the peer's send state.
func (o *sendOrchestrator) sendUnicast(ctx context.Context, address string, payload []byte) error {
	if o.terminated.Load() {
		return resultNotSupported("transport terminated")
	}
	if len(address) == 0 || len(address) > 17 || len(payload) == 0 {
		return resultInvalidParam("address and payload are required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminated.Load() {
		return resultNotSupported("transport terminated")
	}

	cfg := o.config()
	ps := newPendingSend(false, address, payload, 1)
	o.setCurrent(ps)
	defer o.setCurrent(nil)

	found, err := o.scan.ensurePeerAvailable(ctx, cfg, address)
	if err != nil || !found {
		return resultNoPeers("target peer not discovered: " + address)
	}

	_ = o.scan.stop()
	defer func() { _ = o.scan.start(context.Background(), cfg.ServiceUUID, cfg.ScanFilterByServiceUUID) }()

	peer := o.registry.GetOrCreate(address)
	o.deliverTo(ctx, peer, ps)

	ps.waitDone(&o.terminated)
	if o.terminated.Load() {
		return resultNotSupported("transport terminated")
	}

	final := peer.SendState()
	peer.setSendState(Idle)
	if final == Sent || final == MtuNegotiated {
		return nil
	}
	return resultSendFailed("unicast delivery failed")
}

// sendMulticast delivers payload to every currently discovered peer,
// dispatching delivery concurrently across peers and waiting for all of
// them to settle.
func (o *sendOrchestrator) sendMulticast(ctx context.Context, payload []byte) error {
	if o.terminated.Load() {
		return resultNotSupported("transport terminated")
	}
	if len(payload) == 0 {
		return resultInvalidParam("payload is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminated.Load() {
		return resultNotSupported("transport terminated")
	}

	cfg := o.config()
	found, err := o.scan.ensurePeerAvailable(ctx, cfg, "")
	if err != nil || !found {
		return resultNoPeers("no peers discovered")
	}

	targets := o.discovered.Snapshot()
	ps := newPendingSend(true, "", payload, len(targets))
	o.setCurrent(ps)
	defer o.setCurrent(nil)

	_ = o.scan.stop()
	defer func() { _ = o.scan.start(context.Background(), cfg.ServiceUUID, cfg.ScanFilterByServiceUUID) }()

	// Dispatch one peer per goroutine, bounded by a semaphore: deliverTo's
	// Connect call may block on the adapter (e.g. a real ble.Dial), and
	// multicast must not serialize connect latency across targets, but an
	// unbounded fan-out against dozens of peers would just thrash the radio.
	sem := semaphore.NewWeighted(maxConcurrentDispatch)
	var g errgroup.Group
	for _, addr := range targets {
		addr := addr
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				ps.complete(addr, false)
				return nil
			}
			defer sem.Release(1)
			peer := o.registry.GetOrCreate(addr)
			o.deliverTo(ctx, peer, ps)
			return nil
		})
	}
	_ = g.Wait()

	ps.waitDone(&o.terminated)
	for _, addr := range targets {
		if peer, ok := o.registry.Get(addr); ok {
			peer.setSendState(Idle)
		}
	}
	if o.terminated.Load() {
		return resultNotSupported("transport terminated")
	}
	if ps.anyOkSnapshot() {
		return nil
	}
	return resultSendFailed("multicast delivered to no peer")
}

// deliverTo dispatches on the peer's current state: connect if idle, let an
// in-flight pipeline continue if mid-connection, or start the write
// pipeline once the peer is service-connected.
func (o *sendOrchestrator) deliverTo(ctx context.Context, peer *Peer, ps *pendingSend) {
	switch peer.ConnState() {
	case Disconnected:
		// Set before calling Connect: synchronous adapters (the mock) fire
		// the connection-state callback chain from inside Connect itself,
		// which can carry the peer all the way through to a completed
		// write before Connect returns. Assigning Connecting afterward
		// would clobber that advancement.
		peer.setConnState(Connecting)
		sess, err := o.adapter.Connect(ctx, peer.Address, false)
		if err != nil {
			o.logger.WithError(err).WithField("address", peer.Address).Warn("connect failed")
			peer.setConnState(Disconnected)
			ps.complete(peer.Address, false)
			o.fireError(peer.Address, ps.payload, err)
			return
		}
		o.registry.SetSession(peer.Address, sess)

	case Connecting, Connected:
		// Either a pipeline this same call started is mid-flight (the
		// connection-state / services / MTU callbacks will carry it to
		// ServiceConnected, and OnMTUChanged invokes writePipeline directly
		// once ready), or the peer is parked here from an earlier attempt
		// that never reached ServiceConnected. Bound the wait by the write
		// timeout rather than trusting it unconditionally, so a stuck peer
		// fails this send instead of hanging it forever.
		if !peer.waitConnState(o.config().WriteTimeout, func() bool {
			s := peer.connState // predicate runs with peer.mu held
			return s == ServiceConnected || s == Disconnected
		}) {
			ps.complete(peer.Address, false)
			return
		}
		if peer.ConnState() != ServiceConnected {
			ps.complete(peer.Address, false)
			return
		}
		sess, ok := o.registry.Session(peer.Address)
		if !ok {
			ps.complete(peer.Address, false)
			return
		}
		o.writePipeline(peer, sess, ps)

	case ServiceConnected:
		sess, ok := o.registry.Session(peer.Address)
		if !ok {
			ps.complete(peer.Address, false)
			return
		}
		o.writePipeline(peer, sess, ps)
	}
}

// writePipeline enables the CCCD if needed, then writes the request
// characteristic once the peer is confirmed still service-connected.
func (o *sendOrchestrator) writePipeline(peer *Peer, sess host.Session, ps *pendingSend) {
	if peer.SendState() == Sending {
		return
	}
	peer.setSendState(Sending)

	cfg := o.config()
	respUUID := cfg.RespCharUUID

	if !o.registry.CCCDEnabled(peer.Address, respUUID) {
		o.runCCCDSubProtocol(sess, cfg)
		if !peer.waitDescriptor(cfg.WriteTimeout, func() bool {
			return o.registry.CCCDEnabled(peer.Address, respUUID)
		}) {
			peer.setSendState(SendFailed)
			ps.complete(peer.Address, false)
			o.fireError(peer.Address, ps.payload, resultSendFailed("cccd enable timed out"))
			return
		}
	}

	// Re-check connection state immediately before writing: closes the
	// disconnect-during-MTU race where the peer tears down between the MTU
	// callback and this write.
	if peer.ConnState() != ServiceConnected {
		peer.setSendState(SendFailed)
		ps.complete(peer.Address, false)
		return
	}

	if err := o.adapter.WriteCharacteristic(sess, cfg.ServiceUUID, cfg.RequestCharUUID, ps.payload); err != nil {
		peer.setSendState(SendFailed)
		ps.complete(peer.Address, false)
		o.fireError(peer.Address, ps.payload, err)
		return
	}

	if !peer.waitWrite(cfg.WriteTimeout, func() bool {
		return peer.sendState != Sending // predicate runs with peer.mu held
	}) {
		peer.setSendState(SendFailed)
		ps.complete(peer.Address, false)
		o.fireError(peer.Address, ps.payload, resultSendFailed("characteristic write timed out"))
	}
	// On success, OnCharacteristicWritten already advanced send_state and
	// recorded completion.
}

// runCCCDSubProtocol enables notifications on the response characteristic
// and writes its client characteristic configuration descriptor.
func (o *sendOrchestrator) runCCCDSubProtocol(sess host.Session, cfg *Config) {
	if err := o.adapter.SetNotify(sess, cfg.ServiceUUID, cfg.RespCharUUID, true); err != nil {
		o.logger.WithError(err).Warn("set_notify failed")
	}
	if err := o.adapter.WriteDescriptor(sess, cfg.ServiceUUID, cfg.RespCharUUID, bleuuid.ClientCharacteristicConfig, bleuuid.EnableNotificationValue); err != nil {
		o.logger.WithError(err).Warn("cccd write failed")
	}
}

// OnAdvertised implements host.Callbacks, delegating to the scan controller.
func (o *sendOrchestrator) OnAdvertised(adv host.Advertisement) {
	o.scan.onAdvertised(adv)
}

// OnConnectionState implements host.Callbacks: drives connect/bond/
// discover-services on connection, and reconnect-or-fail on disconnect.
func (o *sendOrchestrator) OnConnectionState(sess host.Session, address string, status host.Status, state host.ConnectionState) {
	peer := o.registry.GetOrCreate(address)

	switch state {
	case host.StateConnecting:
		peer.setConnState(Connecting)

	case host.StateConnected:
		if status != host.StatusSuccess {
			peer.setSendState(SendFailed)
			o.completeCurrentFor(address, false)
			return
		}
		peer.setConnState(Connected)
		o.registry.SetSession(address, sess)

		if peer.BondState() != host.BondBonded {
			if err := o.adapter.CreateBond(address); err != nil {
				o.logger.WithError(err).WithField("address", address).Warn("create_bond failed")
			} else {
				peer.waitBonded(o.config().BondTimeout)
			}
		}

		time.Sleep(o.config().PreDiscoveryDelay)
		if err := o.adapter.DiscoverServices(sess); err != nil {
			o.logger.WithError(err).WithField("address", address).Warn("discover_services failed")
			o.completeCurrentFor(address, false)
		}

	case host.StateDisconnected:
		o.registry.ClearCCCDForAddress(address)
		peer.setConnState(Disconnected)
		_ = o.adapter.Close(sess)
		o.registry.ClearSession(address)

		switch {
		case status.Recoverable():
			if _, err := o.adapter.Connect(context.Background(), address, true); err != nil {
				o.logger.WithError(err).WithField("address", address).Warn("gatt-error reconnect failed")
				o.completeCurrentFor(address, false)
			} else {
				peer.setConnState(Connecting)
			}
		case status.Unrecoverable():
			peer.setSendState(SendFailed)
			o.completeCurrentFor(address, false)
		default:
			// Host is attempting a background reconnect.
			o.completeCurrentFor(address, true)
		}
		peer.broadcastWrite()
		peer.broadcastDescriptor()
	}
}

// OnServicesDiscovered implements host.Callbacks, requesting the ceiling
// MTU once services are discovered.
func (o *sendOrchestrator) OnServicesDiscovered(sess host.Session, status host.Status) {
	address, ok := o.registry.AddressForSession(sess)
	if !ok {
		return
	}
	if status != host.StatusSuccess {
		o.completeCurrentFor(address, false)
		return
	}
	if err := o.adapter.RequestMTU(sess, o.config().CeilingMTU); err != nil {
		o.logger.WithError(err).WithField("address", address).Warn("request_mtu failed")
		o.completeCurrentFor(address, false)
	}
}

// OnMTUChanged implements host.Callbacks, recording the usable payload
// size and advancing the peer to ServiceConnected.
func (o *sendOrchestrator) OnMTUChanged(sess host.Session, mtu uint16, status host.Status) {
	address, ok := o.registry.AddressForSession(sess)
	if !ok {
		return
	}
	peer := o.registry.GetOrCreate(address)
	if status != host.StatusSuccess {
		o.completeCurrentFor(address, false)
		return
	}

	usable := mtu
	if usable > 3 {
		usable -= 3
	}
	peer.setMTU(usable)
	peer.setConnState(ServiceConnected)

	ps := o.currentSend()
	if ps != nil && (ps.multicast || ps.address == address) && len(ps.payload) > 0 {
		o.writePipeline(peer, sess, ps)
		return
	}
	peer.broadcastBond()
}

// OnCharacteristicWritten implements host.Callbacks, retrying the write
// once on failure before giving up.
func (o *sendOrchestrator) OnCharacteristicWritten(sess host.Session, charUUID string, status host.Status) {
	address, ok := o.registry.AddressForSession(sess)
	if !ok {
		return
	}
	cfg := o.config()
	if !bleuuid.Equal(charUUID, cfg.RequestCharUUID) {
		return
	}
	peer := o.registry.GetOrCreate(address)

	if status == host.StatusSuccess {
		peer.setSendState(Sent)
		o.completeCurrentFor(address, true)
		return
	}

	if ps := o.currentSend(); ps != nil && ps.markRetried(address) {
		if err := o.adapter.WriteCharacteristic(sess, cfg.ServiceUUID, cfg.RequestCharUUID, ps.payload); err == nil {
			return // second attempt in flight; its callback finalizes the send
		}
	}

	peer.setSendState(SendFailed)
	if ps := o.currentSend(); ps != nil {
		o.fireError(address, ps.payload, resultSendFailed("characteristic write failed"))
	}
	o.completeCurrentFor(address, false)
}

// OnDescriptorWritten implements host.Callbacks for the CCCD write,
// honoring the bond-status quirk where applicable.
func (o *sendOrchestrator) OnDescriptorWritten(sess host.Session, charUUID, descriptorUUID string, status host.Status) {
	address, ok := o.registry.AddressForSession(sess)
	if !ok {
		return
	}
	if !bleuuid.Equal(descriptorUUID, bleuuid.ClientCharacteristicConfig) {
		return
	}
	peer := o.registry.GetOrCreate(address)

	accepted := status == host.StatusSuccess
	if !accepted && peer.BondState() == host.BondBonding {
		accepted = host.AcceptPostBondDescriptorWrite(int(status))
	}
	if accepted {
		o.registry.MarkCCCDEnabled(address, bleuuid.Normalize(charUUID))
	}
	peer.broadcastDescriptor()
}

// OnBondState implements host.Callbacks.
func (o *sendOrchestrator) OnBondState(address string, oldState, newState host.BondState) {
	peer := o.registry.GetOrCreate(address)
	peer.setBondState(newState)
}

// OnNotified delivers a copy of an incoming notification on the response
// characteristic to the registered receive callback.
func (o *sendOrchestrator) OnNotified(sess host.Session, charUUID string, data []byte) {
	address, ok := o.registry.AddressForSession(sess)
	if !ok {
		o.logger.WithField("char_uuid", charUUID).Warn("notification from unknown session")
		return
	}
	o.receivedCBMu.Lock()
	cb := o.receivedCB
	o.receivedCBMu.Unlock()
	if cb != nil {
		cb(address, append([]byte(nil), data...))
	}
}

// terminate broadcasts every condition so no waiter is left stuck, then
// tears down scan and all live sessions.
func (o *sendOrchestrator) terminate() {
	o.terminated.Store(true)

	o.registry.Range(func(p *Peer) bool {
		p.broadcastWrite()
		p.broadcastDescriptor()
		p.broadcastBond()
		return true
	})
	o.discovered.broadcastAll()
	if ps := o.currentSend(); ps != nil {
		ps.mu.Lock()
		ps.cond.Broadcast()
		ps.mu.Unlock()
	}

	_ = o.scan.stop()

	o.registry.Range(func(p *Peer) bool {
		if sess, ok := o.registry.Session(p.Address); ok {
			_ = o.adapter.Disconnect(sess)
			_ = o.adapter.Close(sess)
			o.registry.ClearSession(p.Address)
		}
		return true
	})
}
