// Package transport implements the BLE GATT client transport: scanning,
// per-peer connection lifecycle, bonding, discovery, MTU negotiation, CCCD
// enablement, and characteristic writes, coordinated across host callbacks
// that arrive on unpredictable goroutines. It is the one thing the upper
// CoAP/OCF layer depends on; it has no knowledge of CoAP itself.
package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/ocfble/internal/host"
)

// Transport is the public API of this package. It is a single owned value
// per connection to the BLE stack — no package-level state.
type Transport struct {
	initDone bool
	initMu   sync.Mutex

	adapter    host.Adapter
	registry   *Registry
	discovered *DiscoveredPeers
	scan       *scanController
	orch       *sendOrchestrator

	logger *logrus.Entry
}

// New constructs a Transport bound to adapter, applying opts over
// DefaultConfig. The transport is not usable until Initialize is called.
func New(adapter host.Adapter, logger *logrus.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	entry := logger.WithField("component", "transport")
	registry := newRegistry()
	discovered := newDiscoveredPeers()
	scan := newScanController(adapter, discovered, entry)
	orch := newSendOrchestrator(adapter, registry, discovered, scan, cfg, entry)

	return &Transport{
		adapter:    adapter,
		registry:   registry,
		discovered: discovered,
		scan:       scan,
		orch:       orch,
		logger:     entry,
	}
}

// Initialize wires the adapter's callbacks to this transport. Idempotent:
// a second call is a no-op.
func (t *Transport) Initialize() error {
	t.initMu.Lock()
	defer t.initMu.Unlock()
	if t.initDone {
		return nil
	}
	t.adapter.SetCallbacks(t.orch)
	t.initDone = true
	t.logger.Info("transport initialized")
	return nil
}

// Terminate broadcasts every send-related condition to unblock waiters,
// stops scanning, disconnects all sessions. After Terminate, sends return
// NotSupported.
func (t *Transport) Terminate() error {
	t.initMu.Lock()
	defer t.initMu.Unlock()
	if !t.initDone {
		return nil
	}
	t.orch.terminate()
	t.logger.Info("transport terminated")
	return nil
}

// SendUnicast delivers payload to address.
func (t *Transport) SendUnicast(ctx context.Context, address string, payload []byte) error {
	return t.orch.sendUnicast(ctx, address, payload)
}

// SendMulticast delivers payload to every currently discovered peer.
func (t *Transport) SendMulticast(ctx context.Context, payload []byte) error {
	return t.orch.sendMulticast(ctx, payload)
}

// SetReceivedCB replaces the notification upcall. Never invoked while
// holding any transport lock.
func (t *Transport) SetReceivedCB(cb func(address string, data []byte)) {
	t.orch.setReceivedCB(cb)
}

// SetErrorCB replaces the send-error upcall.
func (t *Transport) SetErrorCB(cb func(address string, data []byte, err error)) {
	t.orch.setErrorCB(cb)
}

// SetTargetUUIDs atomically replaces the service/request/response UUIDs.
// The CCCD-enabled set is not cleared: it remains valid for peers already
// configured against the old response UUID, and the write pipeline
// re-checks per-send whether the current response UUID's CCCD is set.
func (t *Transport) SetTargetUUIDs(service, request, response string) {
	cfg := t.orch.config().clone()
	WithTargetUUIDs(service, request, response)(cfg)
	t.orch.setConfig(cfg)
}

// Config returns a snapshot of the current configuration.
func (t *Transport) Config() Config {
	return *t.orch.config()
}
