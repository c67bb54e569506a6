package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/ocfble/internal/bleuuid"
	"github.com/srg/ocfble/internal/host"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE peers advertising the target service",
	Long: `Scans for nearby BLE advertisements and prints every peer seen, filtered
to --service unless --filter=false. Runs for --duration, or indefinitely with 0.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFilter   bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().BoolVar(&scanFilter, "filter", true, "Filter by --service UUID")
}

// scanCallbacks adapts bare OnAdvertised into the host.Callbacks interface;
// every other upcall is a no-op since a bare scan never connects.
type scanCallbacks struct {
	onAdv func(host.Advertisement)
}

func (c *scanCallbacks) OnAdvertised(adv host.Advertisement) { c.onAdv(adv) }
func (c *scanCallbacks) OnConnectionState(host.Session, string, host.Status, host.ConnectionState) {
}
func (c *scanCallbacks) OnServicesDiscovered(host.Session, host.Status)          {}
func (c *scanCallbacks) OnMTUChanged(host.Session, uint16, host.Status)          {}
func (c *scanCallbacks) OnCharacteristicWritten(host.Session, string, host.Status) {}
func (c *scanCallbacks) OnNotified(host.Session, string, []byte)                {}
func (c *scanCallbacks) OnDescriptorWritten(host.Session, string, string, host.Status) {}
func (c *scanCallbacks) OnBondState(string, host.BondState, host.BondState)      {}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	serviceUUID, _ := cmd.Flags().GetString("service")
	if scanFilter && serviceUUID == "" {
		return fmt.Errorf("--service is required unless --filter=false")
	}
	cmd.SilenceUsage = true

	adapter, err := selectAdapter(cmd, logger)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	seen := make(map[string]host.Advertisement)
	adapter.SetCallbacks(&scanCallbacks{onAdv: func(adv host.Advertisement) {
		mu.Lock()
		_, known := seen[adv.Address]
		seen[adv.Address] = adv
		mu.Unlock()
		if !known {
			name := bleuuid.KnownName(serviceUUID)
			fmt.Printf("%-20s rssi=%-4d services=%v %s\n", adv.Address, adv.RSSI, adv.Services, name)
		}
	}})

	ctx := context.Background()
	if scanDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scanDuration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\ncancelling scan...")
		cancel()
	}()

	if err := adapter.StartScan(ctx, serviceUUID, scanFilter); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	<-ctx.Done()
	_ = adapter.StopScan()

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\n%d peer(s) discovered\n", len(seen))
	return nil
}
