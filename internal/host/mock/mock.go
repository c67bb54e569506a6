// Package mock is an in-memory host.Adapter test double: every BLE side
// effect is recorded and every host callback is fired synchronously on
// command, so transport tests can drive the send orchestrator
// deterministically without a radio.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/ocfble/internal/host"
)

// Session is the mock session handle, just the address boxed so tests can
// assert on it directly.
type Session struct {
	Address string
}

// WriteRecord captures one WriteCharacteristic call for assertions.
type WriteRecord struct {
	Address, ServiceUUID, CharUUID string
	Data                           []byte
}

// Adapter is a fully scriptable host.Adapter. Construct it with New; set
// per-address entries in the override maps below to control what each call
// reports back, or leave them empty to auto-succeed.
type Adapter struct {
	mu sync.Mutex
	cb host.Callbacks

	Scanning bool

	// ConnectErr, when set for an address, makes Connect fail for it.
	ConnectErr map[string]error
	// DiscoverStatus overrides the services-discovered status per address.
	DiscoverStatus map[string]host.Status
	// MTUStatus overrides the MTU-changed status per address.
	MTUStatus map[string]host.Status
	// WriteStatus overrides the characteristic-write status per address.
	// Consumed once per call so tests can script "fail once, then succeed".
	WriteStatus map[string][]host.Status
	// DescriptorStatus overrides the descriptor-write status per address.
	DescriptorStatus map[string]host.Status
	// BondDelay, if true, requires an explicit CompleteBond call instead of
	// auto-resolving CreateBond synchronously.
	BondDelay bool

	Writes      []WriteRecord
	Connects    []string
	Disconnects []string

	bondState map[string]host.BondState
	sessions  map[string]*Session
}

var _ host.Adapter = (*Adapter)(nil)

// New constructs a ready-to-use mock adapter.
func New() *Adapter {
	return &Adapter{
		ConnectErr:       make(map[string]error),
		DiscoverStatus:   make(map[string]host.Status),
		MTUStatus:        make(map[string]host.Status),
		WriteStatus:      make(map[string][]host.Status),
		DescriptorStatus: make(map[string]host.Status),
		bondState:        make(map[string]host.BondState),
		sessions:         make(map[string]*Session),
	}
}

func (a *Adapter) SetCallbacks(cb host.Callbacks) { a.cb = cb }

func (a *Adapter) StartScan(ctx context.Context, serviceUUID string, filterByService bool) error {
	a.mu.Lock()
	a.Scanning = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	a.Scanning = false
	a.mu.Unlock()
	return nil
}

// Advertise synthesizes an OnAdvertised callback, the test-side equivalent
// of a peer appearing over the air.
func (a *Adapter) Advertise(adv host.Advertisement) {
	a.cb.OnAdvertised(adv)
}

func (a *Adapter) Connect(ctx context.Context, address string, autoConnect bool) (host.Session, error) {
	a.mu.Lock()
	a.Connects = append(a.Connects, address)
	if err, ok := a.ConnectErr[address]; ok && err != nil {
		a.mu.Unlock()
		return nil, err
	}
	sess := &Session{Address: address}
	a.sessions[address] = sess
	a.mu.Unlock()

	a.cb.OnConnectionState(sess, address, host.StatusSuccess, host.StateConnected)
	return sess, nil
}

func (a *Adapter) Disconnect(s host.Session) error {
	sess, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("mock: invalid session")
	}
	a.mu.Lock()
	a.Disconnects = append(a.Disconnects, sess.Address)
	delete(a.sessions, sess.Address)
	a.mu.Unlock()
	a.cb.OnConnectionState(sess, sess.Address, host.StatusSuccess, host.StateDisconnected)
	return nil
}

func (a *Adapter) Close(s host.Session) error { return nil }

func (a *Adapter) DiscoverServices(s host.Session) error {
	sess, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("mock: invalid session")
	}
	a.mu.Lock()
	status := a.statusOrDefault(a.DiscoverStatus, sess.Address)
	a.mu.Unlock()
	a.cb.OnServicesDiscovered(sess, status)
	return nil
}

func (a *Adapter) RequestMTU(s host.Session, size uint16) error {
	sess, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("mock: invalid session")
	}
	a.mu.Lock()
	status := a.statusOrDefault(a.MTUStatus, sess.Address)
	a.mu.Unlock()
	mtu := size
	if status != host.StatusSuccess {
		mtu = host.DefaultMTU
	}
	a.cb.OnMTUChanged(sess, mtu, status)
	return nil
}

func (a *Adapter) WriteCharacteristic(s host.Session, serviceUUID, charUUID string, data []byte) error {
	sess, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("mock: invalid session")
	}
	a.mu.Lock()
	a.Writes = append(a.Writes, WriteRecord{Address: sess.Address, ServiceUUID: serviceUUID, CharUUID: charUUID, Data: data})
	status := a.popWriteStatus(sess.Address)
	a.mu.Unlock()
	a.cb.OnCharacteristicWritten(sess, charUUID, status)
	return nil
}

func (a *Adapter) SetNotify(s host.Session, serviceUUID, charUUID string, enable bool) error {
	return nil
}

func (a *Adapter) WriteDescriptor(s host.Session, serviceUUID, charUUID, descriptorUUID string, data []byte) error {
	sess, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("mock: invalid session")
	}
	a.mu.Lock()
	status := a.statusOrDefault(a.DescriptorStatus, sess.Address)
	a.mu.Unlock()
	a.cb.OnDescriptorWritten(sess, charUUID, descriptorUUID, status)
	return nil
}

func (a *Adapter) CreateBond(address string) error {
	a.mu.Lock()
	old := a.bondState[address]
	if a.BondDelay {
		a.bondState[address] = host.BondBonding
		a.mu.Unlock()
		return nil
	}
	a.bondState[address] = host.BondBonded
	a.mu.Unlock()
	a.cb.OnBondState(address, old, host.BondBonded)
	return nil
}

// CompleteBond is a test hook that finishes a bond started with BondDelay
// set, simulating the asynchronous on_bond_state callback.
func (a *Adapter) CompleteBond(address string) {
	a.mu.Lock()
	old := a.bondState[address]
	a.bondState[address] = host.BondBonded
	a.mu.Unlock()
	a.cb.OnBondState(address, old, host.BondBonded)
}

func (a *Adapter) RemoveBond(address string) error {
	a.mu.Lock()
	old := a.bondState[address]
	a.bondState[address] = host.BondNone
	a.mu.Unlock()
	a.cb.OnBondState(address, old, host.BondNone)
	return nil
}

func (a *Adapter) BondState(address string) host.BondState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bondState[address]
}

// Disconnected synthesizes a disconnect callback without a prior Disconnect
// call, simulating the peer or radio dropping the link.
func (a *Adapter) Disconnected(address string, status host.Status) {
	a.mu.Lock()
	sess, ok := a.sessions[address]
	delete(a.sessions, address)
	a.mu.Unlock()
	if !ok {
		sess = &Session{Address: address}
	}
	a.cb.OnConnectionState(sess, address, status, host.StateDisconnected)
}

// Notify synthesizes an OnNotified callback.
func (a *Adapter) Notify(address, charUUID string, data []byte) {
	a.mu.Lock()
	sess, ok := a.sessions[address]
	a.mu.Unlock()
	if !ok {
		return
	}
	a.cb.OnNotified(sess, charUUID, data)
}

func (a *Adapter) statusOrDefault(m map[string]host.Status, address string) host.Status {
	if s, ok := m[address]; ok {
		return s
	}
	return host.StatusSuccess
}

func (a *Adapter) popWriteStatus(address string) host.Status {
	queue := a.WriteStatus[address]
	if len(queue) == 0 {
		return host.StatusSuccess
	}
	status := queue[0]
	a.WriteStatus[address] = queue[1:]
	return status
}
