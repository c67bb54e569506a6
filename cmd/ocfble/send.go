package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/ocfble/internal/transport"
)

var sendCmd = &cobra.Command{
	Use:   "send <unicast|multicast> [address] <payload>",
	Short: "Send a request payload to one or all discovered peers",
	Long: `Drives the transport's SendUnicast/SendMulticast through the full
connect/bond/discover/MTU/CCCD/write pipeline and waits for completion.

Examples:
  ocfble send unicast AA:BB:CC:DD:EE:FF 010203 --hex --service fff0 --request-char fff1 --response-char fff2
  ocfble send multicast "hello" --service fff0 --request-char fff1 --response-char fff2`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSend,
}

var (
	sendHex     bool
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Parse payload as hex")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Overall send timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
	mode := args[0]
	var address, payloadStr string
	switch mode {
	case "unicast":
		if len(args) != 3 {
			return fmt.Errorf("unicast requires <address> <payload>")
		}
		address, payloadStr = args[1], args[2]
	case "multicast":
		if len(args) != 2 {
			return fmt.Errorf("multicast requires <payload>")
		}
		payloadStr = args[1]
	default:
		return fmt.Errorf("unknown send mode %q: use unicast or multicast", mode)
	}

	payload, err := parsePayload(payloadStr, sendHex)
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

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

	progress := NewProgressPrinter(fmt.Sprintf("Sending %d byte(s) via %s", len(payload), mode), "Delivering", "Done")
	progress.Start()
	defer progress.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if mode == "unicast" {
		err = tr.SendUnicast(ctx, address, payload)
	} else {
		err = tr.SendMulticast(ctx, payload)
	}
	progress.Callback()("Done")
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	fmt.Println("send complete")
	return nil
}

// parsePayload converts a CLI argument to bytes, honoring --hex.
func parsePayload(s string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(s), nil
	}
	cleaned := strings.ReplaceAll(s, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.TrimPrefix(cleaned, "0x")
	return hex.DecodeString(cleaned)
}
