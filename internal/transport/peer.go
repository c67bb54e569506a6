package transport

import (
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/srg/ocfble/internal/host"
)

// ConnState is the peer's GATT connection lifecycle.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	ServiceConnected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServiceConnected:
		return "service_connected"
	default:
		return "unknown"
	}
}

// SendState is the peer's in-flight write lifecycle.
type SendState int

const (
	Idle SendState = iota
	Sending
	Sent
	SendFailed
	MtuNegotiated
)

func (s SendState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case SendFailed:
		return "send_failed"
	case MtuNegotiated:
		return "mtu_negotiated"
	default:
		return "unknown"
	}
}

// Peer is the per-address record tracking connection, send, and bond state.
// Its own mutex is the "send_state" leaf tier of the mutex hierarchy: it
// guards every field below and is always acquired last, never while holding
// any other tiered lock except transiently by the orchestrator which already
// respects the declared order.
type Peer struct {
	Address string

	mu               sync.Mutex
	connState        ConnState
	sendState        SendState
	bondState        host.BondState
	mtuSize          uint16
	autoConnect      bool
	lastConnStateAt  time.Time
	lastSendStateAt  time.Time
	lastBondStateAt  time.Time

	// bondCond signals on every bond-state transition; create_bond waits on it.
	bondCond *sync.Cond
	// writeCond signals on every send-state transition (including
	// characteristic-write completion) and on disconnect.
	writeCond *sync.Cond
	// descCond signals specifically on CCCD descriptor-write completion.
	descCond *sync.Cond
	// connCond signals on every connection-state transition.
	connCond *sync.Cond
}

func newPeer(address string) *Peer {
	p := &Peer{
		Address:   address,
		connState: Disconnected,
		sendState: Idle,
		bondState: host.BondNone,
		mtuSize:   host.DefaultMTU,
	}
	p.bondCond = sync.NewCond(&p.mu)
	p.writeCond = sync.NewCond(&p.mu)
	p.descCond = sync.NewCond(&p.mu)
	p.connCond = sync.NewCond(&p.mu)
	return p
}

// ConnState returns the current connection state under lock.
func (p *Peer) ConnState() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *Peer) setConnState(s ConnState) {
	p.mu.Lock()
	p.connState = s
	p.lastConnStateAt = time.Now()
	p.connCond.Broadcast()
	p.mu.Unlock()
}

// waitConnState blocks until the connection-state predicate is satisfied or
// timeout elapses. Used by deliverTo to bound how long it trusts an
// already-mid-flight pipeline (one it did not itself just start) to reach
// ServiceConnected before giving up on the current send. done is called
// with p.mu held.
func (p *Peer) waitConnState(timeout time.Duration, done func() bool) bool {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for !done() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitOnCond(p.connCond, remaining)
	}
	return true
}

// SendState returns the current send state under lock.
func (p *Peer) SendState() SendState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendState
}

func (p *Peer) setSendState(s SendState) {
	p.mu.Lock()
	p.sendState = s
	p.lastSendStateAt = time.Now()
	p.writeCond.Broadcast()
	p.mu.Unlock()
}

// MTU returns the peer's MTU size: the default 23 until negotiation, then
// the negotiated ATT MTU minus the 3-byte ATT header.
func (p *Peer) MTU() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtuSize
}

func (p *Peer) setMTU(m uint16) {
	p.mu.Lock()
	p.mtuSize = m
	p.mu.Unlock()
}

// BondState returns the current bond state under lock.
func (p *Peer) BondState() host.BondState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bondState
}

func (p *Peer) setBondState(s host.BondState) {
	p.mu.Lock()
	p.bondState = s
	p.lastBondStateAt = time.Now()
	p.bondCond.Broadcast()
	p.mu.Unlock()
}

// waitBonded blocks until the peer is bonded or timeout elapses. Returns
// true if bonded.
func (p *Peer) waitBonded(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.bondState != host.BondBonded {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitOnCond(p.bondCond, remaining)
	}
	return true
}

// waitWrite blocks until the write condition is broadcast or timeout
// elapses. The caller supplies a predicate to re-check on each wake; it is
// called with p.mu held.
func (p *Peer) waitWrite(timeout time.Duration, done func() bool) bool {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for !done() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitOnCond(p.writeCond, remaining)
	}
	return true
}

func (p *Peer) waitDescriptor(timeout time.Duration, done func() bool) bool {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for !done() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitOnCond(p.descCond, remaining)
	}
	return true
}

func (p *Peer) broadcastDescriptor() {
	p.mu.Lock()
	p.descCond.Broadcast()
	p.mu.Unlock()
}

func (p *Peer) broadcastWrite() {
	p.mu.Lock()
	p.writeCond.Broadcast()
	p.mu.Unlock()
}

func (p *Peer) broadcastBond() {
	p.mu.Lock()
	p.bondCond.Broadcast()
	p.mu.Unlock()
}

// waitOnCond waits on cond for at most timeout, using a timer goroutine to
// force the wakeup since sync.Cond has no native timed wait. The caller
// must hold cond.L.
func waitOnCond(cond *sync.Cond, timeout time.Duration) {
	timer := time.AfterFunc(timeout, cond.Broadcast)
	defer timer.Stop()
	cond.Wait()
}

// Registry is the peer-registry component: per-peer state keyed by address
// (backed by cornelk/hashmap), the live-session table, and the CCCD-enabled
// set. mu is the "peer_registry" tier of the mutex hierarchy and is only
// held for the create-if-absent race, never across I/O.
type Registry struct {
	mu    sync.Mutex
	peers *hashmap.Map[string, *Peer]

	sessionMu sync.RWMutex // "live_session" tier
	sessions  map[string]host.Session

	cccdMu  sync.RWMutex // "cccd_set" tier
	cccdSet map[string]struct{}
}

func newRegistry() *Registry {
	return &Registry{
		peers:    hashmap.New[string, *Peer](),
		sessions: make(map[string]host.Session),
		cccdSet:  make(map[string]struct{}),
	}
}

// GetOrCreate returns the existing peer record for address, creating one on
// first sighting. Peer records persist until the transport terminates,
// surviving disconnects.
func (r *Registry) GetOrCreate(address string) *Peer {
	if p, ok := r.peers.Get(address); ok {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers.Get(address); ok {
		return p
	}
	p := newPeer(address)
	r.peers.Set(address, p)
	return p
}

// Get returns the peer record for address if one exists.
func (r *Registry) Get(address string) (*Peer, bool) {
	return r.peers.Get(address)
}

// Range iterates over all known peer records.
func (r *Registry) Range(fn func(*Peer) bool) {
	r.peers.Range(func(_ string, p *Peer) bool {
		return fn(p)
	})
}

// SetSession records the live session for address. A new connect request
// for an address that already has a session has its old one torn down
// first by the orchestrator before calling SetSession; this just enforces
// the at-most-one-per-address invariant at the data level.
func (r *Registry) SetSession(address string, sess host.Session) {
	r.sessionMu.Lock()
	r.sessions[address] = sess
	r.sessionMu.Unlock()
}

// Session returns the live session for address, if any.
func (r *Registry) Session(address string) (host.Session, bool) {
	r.sessionMu.RLock()
	defer r.sessionMu.RUnlock()
	s, ok := r.sessions[address]
	return s, ok
}

// ClearSession removes the live session entry for address.
func (r *Registry) ClearSession(address string) {
	r.sessionMu.Lock()
	delete(r.sessions, address)
	r.sessionMu.Unlock()
}

// AddressForSession reverse-looks-up an address by comparing to the stored
// session handle; used by the receive path which only has a Session from
// the host callback.
func (r *Registry) AddressForSession(sess host.Session) (string, bool) {
	r.sessionMu.RLock()
	defer r.sessionMu.RUnlock()
	for addr, s := range r.sessions {
		if s == sess {
			return addr, true
		}
	}
	return "", false
}

func cccdKey(address, respCharUUID string) string {
	return address + "|" + respCharUUID
}

// CCCDEnabled reports whether the CCCD for (address, respCharUUID) has
// already been written successfully.
func (r *Registry) CCCDEnabled(address, respCharUUID string) bool {
	r.cccdMu.RLock()
	defer r.cccdMu.RUnlock()
	_, ok := r.cccdSet[cccdKey(address, respCharUUID)]
	return ok
}

// MarkCCCDEnabled records a successful CCCD write.
func (r *Registry) MarkCCCDEnabled(address, respCharUUID string) {
	r.cccdMu.Lock()
	r.cccdSet[cccdKey(address, respCharUUID)] = struct{}{}
	r.cccdMu.Unlock()
}

// ClearCCCDForAddress removes every CCCD-enabled entry for address, called
// on disconnect.
func (r *Registry) ClearCCCDForAddress(address string) {
	prefix := address + "|"
	r.cccdMu.Lock()
	defer r.cccdMu.Unlock()
	for k := range r.cccdSet {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.cccdSet, k)
		}
	}
}

// DiscoveredPeers is the insertion-ordered set of known peer addresses,
// backed by go-ordered-map so iteration order matches discovery order
// exactly; multicast fan-out launches its per-peer deliveries in this order,
// after which they run concurrently.
type DiscoveredPeers struct {
	mu   sync.Mutex // "discovered_peers" tier
	cond *sync.Cond
	set  *orderedmap.OrderedMap[string, struct{}]
}

func newDiscoveredPeers() *DiscoveredPeers {
	d := &DiscoveredPeers{
		set: orderedmap.New[string, struct{}](),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Add inserts address if new and broadcasts the scan-signal condition.
// Returns true if address was newly added.
func (d *DiscoveredPeers) Add(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, present := d.set.Get(address); present {
		return false
	}
	d.set.Set(address, struct{}{})
	d.cond.Broadcast()
	return true
}

// Has reports whether address has been seen in the current scan window.
func (d *DiscoveredPeers) Has(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.set.Get(address)
	return ok
}

// Len reports the number of discovered peers.
func (d *DiscoveredPeers) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set.Len()
}

// Snapshot returns the discovered addresses in insertion order.
func (d *DiscoveredPeers) Snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, d.set.Len())
	for pair := d.set.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// WaitFor blocks until predicate is satisfied or timeout elapses, waking on
// every new-peer broadcast plus the per-round timeout. predicate is called
// with d.mu held. Returns true if predicate became true before the deadline.
func (d *DiscoveredPeers) WaitFor(timeout time.Duration, predicate func() bool) bool {
	deadline := time.Now().Add(timeout)
	d.mu.Lock()
	defer d.mu.Unlock()
	for !predicate() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitOnCond(d.cond, remaining)
	}
	return true
}

// broadcastAll wakes every WaitFor waiter unconditionally; used by
// terminate so no ensure_peer_available caller is left stuck.
func (d *DiscoveredPeers) broadcastAll() {
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Reset clears the discovered-peers list (used when a fresh scan window
// begins, if the caller wants a clean slate; the orchestrator does not call
// this by default since peers discovered in a previous window remain valid
// candidates for ensure_peer_available).
func (d *DiscoveredPeers) Reset() {
	d.mu.Lock()
	d.set = orderedmap.New[string, struct{}]()
	d.mu.Unlock()
}
