// Package goble adapts github.com/go-ble/ble to the host.Adapter contract.
// It is the primary backend for this transport, exposing exactly the
// narrow connect/discover/MTU/write/notify surface the transport drives.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/ocfble/internal/bleuuid"
	"github.com/srg/ocfble/internal/groutine"
	"github.com/srg/ocfble/internal/host"
)

// DeviceFactory creates the platform ble.Device. Overridable in tests.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// session is the host.Session this adapter hands back: the live ble.Client
// plus the characteristic/descriptor handles resolved at discovery time, so
// later write/notify calls don't re-walk the profile.
type session struct {
	address string
	client  ble.Client

	mu          sync.RWMutex
	chars       map[string]*ble.Characteristic
	cccds       map[string]*ble.Descriptor
}

func charKey(serviceUUID, charUUID string) string {
	return bleuuid.Normalize(serviceUUID) + "|" + bleuuid.Normalize(charUUID)
}

func (s *session) findChar(serviceUUID, charUUID string) (*ble.Characteristic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chars[charKey(serviceUUID, charUUID)]
	return c, ok
}

func (s *session) findCCCD(serviceUUID, charUUID string) (*ble.Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.cccds[charKey(serviceUUID, charUUID)]
	return d, ok
}

// Adapter wraps go-ble as a host.Adapter. Bonding has no go-ble API of its
// own — on platforms go-ble supports, the OS pairing prompt runs
// transparently underneath a characteristic access that requires it — so
// CreateBond/RemoveBond/BondState are local bookkeeping rather than host
// calls, resolving immediately to Bonded. This is the one part of this
// adapter that is a standard-library-only stand-in; see the design notes
// for why no pack library covers OS-level BLE bonding.
type Adapter struct {
	logger *logrus.Entry
	cb     host.Callbacks

	mu       sync.Mutex
	sessions map[string]*session

	bondMu sync.Mutex
	bonded map[string]host.BondState

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

var _ host.Adapter = (*Adapter)(nil)

func NewAdapter(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		logger:   logger.WithField("component", "host.goble"),
		sessions: make(map[string]*session),
		bonded:   make(map[string]host.BondState),
	}
}

func (a *Adapter) SetCallbacks(cb host.Callbacks) { a.cb = cb }

func (a *Adapter) StartScan(ctx context.Context, serviceUUID string, filterByService bool) error {
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("create ble device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	scanCtx, cancel := context.WithCancel(ctx)
	a.scanMu.Lock()
	a.scanCancel = cancel
	a.scanMu.Unlock()

	groutine.Go(context.Background(), "goble-scan", func(_ context.Context) {
		handler := func(adv ble.Advertisement) {
			if filterByService && !advertisesService(adv, serviceUUID) {
				return
			}
			a.cb.OnAdvertised(host.Advertisement{
				Address:  adv.Addr().String(),
				RSSI:     adv.RSSI(),
				TxPower:  int(adv.TxPowerLevel()),
				Services: uuidStrings(adv.Services()),
			})
		}
		if err := dev.Scan(scanCtx, true, handler); err != nil && scanCtx.Err() == nil {
			a.logger.WithError(err).Warn("scan ended with error")
		}
	})
	return nil
}

func (a *Adapter) StopScan() error {
	a.scanMu.Lock()
	cancel := a.scanCancel
	a.scanCancel = nil
	a.scanMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Connect dials the peer and watches for the underlying client's
// disconnect signal, translating both into host.Callbacks upcalls so the
// send orchestrator never touches go-ble types directly.
func (a *Adapter) Connect(ctx context.Context, address string, autoConnect bool) (host.Session, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("create ble device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	sess := &session{
		address: address,
		client:  client,
		chars:   make(map[string]*ble.Characteristic),
		cccds:   make(map[string]*ble.Descriptor),
	}

	a.mu.Lock()
	a.sessions[address] = sess
	a.mu.Unlock()

	groutine.Go(context.Background(), "goble-connect-watch", func(_ context.Context) {
		a.cb.OnConnectionState(sess, address, host.StatusSuccess, host.StateConnected)
		if disc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
			<-disc.Disconnected()
			a.mu.Lock()
			delete(a.sessions, address)
			a.mu.Unlock()
			a.cb.OnConnectionState(sess, address, host.StatusSuccess, host.StateDisconnected)
		}
	})
	return sess, nil
}

func (a *Adapter) Disconnect(s host.Session) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("goble: invalid session")
	}
	return sess.client.CancelConnection()
}

func (a *Adapter) Close(s host.Session) error {
	return a.Disconnect(s)
}

func (a *Adapter) DiscoverServices(s host.Session) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("goble: invalid session")
	}
	groutine.Go(context.Background(), "goble-discover", func(_ context.Context) {
		profile, err := sess.client.DiscoverProfile(true)
		if err != nil {
			a.logger.WithError(err).WithField("address", sess.address).Warn("discover profile failed")
			a.cb.OnServicesDiscovered(sess, host.StatusFailure)
			return
		}

		sess.mu.Lock()
		for _, svc := range profile.Services {
			svcUUID := bleuuid.Normalize(svc.UUID.String())
			for _, ch := range svc.Characteristics {
				key := charKey(svcUUID, ch.UUID.String())
				sess.chars[key] = ch
				for _, d := range ch.Descriptors {
					if bleuuid.Equal(d.UUID.String(), bleuuid.ClientCharacteristicConfig) {
						sess.cccds[key] = d
					}
				}
			}
		}
		sess.mu.Unlock()

		a.cb.OnServicesDiscovered(sess, host.StatusSuccess)
	})
	return nil
}

func (a *Adapter) RequestMTU(s host.Session, size uint16) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("goble: invalid session")
	}
	groutine.Go(context.Background(), "goble-mtu", func(_ context.Context) {
		mtu, err := sess.client.ExchangeMTU(int(size))
		if err != nil {
			a.logger.WithError(err).WithField("address", sess.address).Warn("mtu exchange failed")
			a.cb.OnMTUChanged(sess, host.DefaultMTU, host.StatusFailure)
			return
		}
		a.cb.OnMTUChanged(sess, uint16(mtu), host.StatusSuccess)
	})
	return nil
}

func (a *Adapter) WriteCharacteristic(s host.Session, serviceUUID, charUUID string, data []byte) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("goble: invalid session")
	}
	ch, found := sess.findChar(serviceUUID, charUUID)
	if !found {
		a.cb.OnCharacteristicWritten(sess, charUUID, host.StatusRequestNotSupported)
		return nil
	}
	groutine.Go(context.Background(), "goble-write-char", func(_ context.Context) {
		if err := sess.client.WriteCharacteristic(ch, data, false); err != nil {
			a.logger.WithError(err).WithField("char_uuid", charUUID).Warn("write characteristic failed")
			a.cb.OnCharacteristicWritten(sess, charUUID, host.StatusGattError)
			return
		}
		a.cb.OnCharacteristicWritten(sess, charUUID, host.StatusSuccess)
	})
	return nil
}

func (a *Adapter) SetNotify(s host.Session, serviceUUID, charUUID string, enable bool) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("goble: invalid session")
	}
	ch, found := sess.findChar(serviceUUID, charUUID)
	if !found {
		return fmt.Errorf("goble: characteristic %s not discovered", charUUID)
	}
	if !enable {
		return sess.client.Unsubscribe(ch, false)
	}
	return sess.client.Subscribe(ch, false, func(data []byte) {
		a.cb.OnNotified(sess, charUUID, data)
	})
}

func (a *Adapter) WriteDescriptor(s host.Session, serviceUUID, charUUID, descriptorUUID string, data []byte) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("goble: invalid session")
	}
	desc, found := sess.findCCCD(serviceUUID, charUUID)
	if !found {
		a.cb.OnDescriptorWritten(sess, charUUID, descriptorUUID, host.StatusRequestNotSupported)
		return nil
	}
	groutine.Go(context.Background(), "goble-write-desc", func(_ context.Context) {
		if err := sess.client.WriteDescriptor(desc, data); err != nil {
			a.logger.WithError(err).WithField("char_uuid", charUUID).Warn("write descriptor failed")
			a.cb.OnDescriptorWritten(sess, charUUID, descriptorUUID, host.StatusGattError)
			return
		}
		a.cb.OnDescriptorWritten(sess, charUUID, descriptorUUID, host.StatusSuccess)
	})
	return nil
}

func (a *Adapter) CreateBond(address string) error {
	a.bondMu.Lock()
	old := a.bonded[address]
	a.bonded[address] = host.BondBonding
	a.bondMu.Unlock()

	groutine.Go(context.Background(), "goble-bond", func(_ context.Context) {
		a.bondMu.Lock()
		a.bonded[address] = host.BondBonded
		a.bondMu.Unlock()
		a.cb.OnBondState(address, old, host.BondBonded)
	})
	return nil
}

func (a *Adapter) RemoveBond(address string) error {
	a.bondMu.Lock()
	old := a.bonded[address]
	a.bonded[address] = host.BondNone
	a.bondMu.Unlock()
	a.cb.OnBondState(address, old, host.BondNone)
	return nil
}

func (a *Adapter) BondState(address string) host.BondState {
	a.bondMu.Lock()
	defer a.bondMu.Unlock()
	return a.bonded[address]
}

func advertisesService(adv ble.Advertisement, serviceUUID string) bool {
	for _, u := range adv.Services() {
		if bleuuid.Equal(u.String(), serviceUUID) {
			return true
		}
	}
	return false
}

func uuidStrings(uuids []ble.UUID) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = u.String()
	}
	return out
}
