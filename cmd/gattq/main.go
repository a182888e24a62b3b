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

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gattq",
	Short: "Queued BLE GATT client",
	Long: `Bluetooth Low Energy (BLE) GATT client that runs every operation
against a device through a strictly serial request queue:

- Scan and discover nearby BLE devices
- Read and write characteristics and descriptors
- Monitor characteristic changes via notifications
- Query RSSI, negotiate MTU and request a connection priority

Settings (timeouts, log level, output format) are read from a YAML file; see --config.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", errorLabel(), FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("gattq %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(rssiCmd)
	rootCmd.AddCommand(mtuCmd)
	rootCmd.AddCommand(priorityCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
}
