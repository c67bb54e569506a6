package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ocfble/internal/host"
	"github.com/srg/ocfble/internal/host/goble"
	"github.com/srg/ocfble/internal/host/mock"
	"github.com/srg/ocfble/internal/host/tinygoble"
)

// simulatedPeerAddress is the address the --simulate loopback adapter
// advertises immediately, so scan/send/listen all have a peer to find
// without any real radio.
const simulatedPeerAddress = "00:11:22:33:44:55"

func init() {
	rootCmd.PersistentFlags().String("backend", "goble", "BLE host backend: goble or tinygoble")
	rootCmd.PersistentFlags().Bool("simulate", false, "Use an in-memory loopback adapter instead of a real BLE host")
}

// simulatedAdapter wraps mock.Adapter so the CLI's one synthetic peer
// advertises itself the moment callbacks are wired, without the caller
// having to drive the mock's test-only Advertise method by hand.
type simulatedAdapter struct {
	*mock.Adapter
}

func (s *simulatedAdapter) SetCallbacks(cb host.Callbacks) {
	s.Adapter.SetCallbacks(cb)
	s.Adapter.Advertise(host.Advertisement{Address: simulatedPeerAddress, RSSI: -40})
}

// selectAdapter resolves the --backend/--simulate flags to a concrete
// host.Adapter. --simulate takes precedence over --backend.
func selectAdapter(cmd *cobra.Command, logger *logrus.Logger) (host.Adapter, error) {
	if simulate, _ := cmd.Flags().GetBool("simulate"); simulate {
		return &simulatedAdapter{Adapter: mock.New()}, nil
	}

	backend, _ := cmd.Flags().GetString("backend")
	switch backend {
	case "", "goble":
		return goble.NewAdapter(logger), nil
	case "tinygoble":
		return tinygoble.NewAdapter(logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q: use goble or tinygoble", backend)
	}
}
