package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ocfble/internal/host"
)

// scanController owns idempotent start/stop of advertisement scanning and
// the bounded ensurePeerAvailable retry loop, driving host.Adapter so
// either backend can serve it.
type scanController struct {
	mu      sync.Mutex // "scan" tier
	running bool
	cancel  context.CancelFunc

	adapter   host.Adapter
	discovered *DiscoveredPeers
	logger    *logrus.Entry
}

func newScanController(adapter host.Adapter, discovered *DiscoveredPeers, logger *logrus.Entry) *scanController {
	return &scanController{
		adapter:    adapter,
		discovered: discovered,
		logger:     logger.WithField("component", "scan"),
	}
}

// start is idempotent: calling it while a scan is already running is a
// no-op.
func (s *scanController) start(parentCtx context.Context, serviceUUID string, filterByService bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ctx, cancel := context.WithCancel(parentCtx)
	if err := s.adapter.StartScan(ctx, serviceUUID, filterByService); err != nil {
		cancel()
		return err
	}
	s.running = true
	s.cancel = cancel
	s.logger.WithFields(logrus.Fields{
		"service_uuid":       serviceUUID,
		"filter_by_service":  filterByService,
	}).Info("scan started")
	return nil
}

// stop is idempotent: calling it while no scan is running is a no-op.
func (s *scanController) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	err := s.adapter.StopScan()
	s.running = false
	s.cancel = nil
	s.logger.Info("scan stopped")
	return err
}

func (s *scanController) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// onAdvertised is the host.Callbacks upcall; it must never block, so it
// only records the sighting and returns.
func (s *scanController) onAdvertised(adv host.Advertisement) {
	if s.discovered.Add(adv.Address) {
		s.logger.WithFields(logrus.Fields{
			"address": adv.Address,
			"rssi":    adv.RSSI,
		}).Debug("peer discovered")
	}
}

// ensurePeerAvailable runs a bounded retry: up to ScanRetryRounds rounds of
// ScanRoundTimeout each, separated by ScanInterRoundDelay, stopping as soon
// as address is discovered. If address is "", it waits for
// any peer to be discovered. The scan is left running on success (the
// send paths stop it themselves right after) and is
// always stopped again when this function owns starting it and the
// overall wait fails.
func (s *scanController) ensurePeerAvailable(ctx context.Context, cfg *Config, address string) (bool, error) {
	wasRunning := s.isRunning()
	if !wasRunning {
		if err := s.start(ctx, cfg.ServiceUUID, cfg.ScanFilterByServiceUUID); err != nil {
			return false, err
		}
	}

	predicate := func() bool {
		if address == "" {
			return s.discovered.Len() > 0
		}
		return s.discovered.Has(address)
	}
	// lockedPredicate is the same check for WaitFor, which calls it with the
	// discovered-peers lock already held.
	lockedPredicate := func() bool {
		if address == "" {
			return s.discovered.set.Len() > 0
		}
		_, ok := s.discovered.set.Get(address)
		return ok
	}

	for round := 0; round < cfg.ScanRetryRounds; round++ {
		if predicate() {
			return true, nil
		}
		select {
		case <-ctx.Done():
			if !wasRunning {
				_ = s.stop()
			}
			return false, ctx.Err()
		default:
		}
		if s.discovered.WaitFor(cfg.ScanRoundTimeout, lockedPredicate) {
			return true, nil
		}
		if round < cfg.ScanRetryRounds-1 {
			sleepCtx(ctx, cfg.ScanInterRoundDelay)
		}
	}

	found := predicate()
	if !found && !wasRunning {
		_ = s.stop()
	}
	return found, nil
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
