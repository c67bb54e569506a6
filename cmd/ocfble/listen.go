package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/ocfble/internal/transport"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print incoming response notifications until interrupted",
	Long: `Initializes the transport and prints every notification delivered via
the receive path (spec's response characteristic), one line per
notification, until Ctrl+C.`,
	RunE: runListen,
}

var listenHex bool

func init() {
	listenCmd.Flags().BoolVar(&listenHex, "hex", true, "Print payloads as hex (default); false prints raw bytes")
}

func runListen(cmd *cobra.Command, args []string) error {
	service, request, response, err := targetUUIDs(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	adapter, err := selectAdapter(cmd, logger)
	if err != nil {
		return err
	}

	tr := transport.New(adapter, logger, transport.WithTargetUUIDs(service, request, response))
	if err := tr.Initialize(); err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}
	defer func() { _ = tr.Terminate() }()

	tr.SetReceivedCB(func(address string, data []byte) {
		if listenHex {
			fmt.Printf("%s: %s\n", address, hex.EncodeToString(data))
		} else {
			fmt.Printf("%s: %s\n", address, data)
		}
	})
	tr.SetErrorCB(func(address string, data []byte, err error) {
		fmt.Fprintf(os.Stderr, "%s: send error: %v\n", address, err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "listening for notifications, press Ctrl+C to stop...")
	<-ctx.Done()
	return nil
}
