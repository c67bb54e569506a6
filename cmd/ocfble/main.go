package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ocfble",
	Short: "OCF-over-BLE GATT client transport CLI",
	Long: `A command-line driver for the BLE GATT client transport used to carry
CoAP/OCF request and response bytes between a local device and remote BLE
peripherals exposing a request characteristic and a notified response
characteristic.

- Scan for peers advertising a target service
- Send a unicast or multicast request payload and wait for completion
- Listen for response notifications on an already-bonded peer`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("service", "", "Target GATT service UUID")
	rootCmd.PersistentFlags().String("request-char", "", "Request characteristic UUID")
	rootCmd.PersistentFlags().String("response-char", "", "Response characteristic UUID (notified)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
