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

var rootCmd = &cobra.Command{
	Use:   "bledfu",
	Short: "BLE UART console and firmware update tool",
	Long: `bledfu talks to peripherals exposing a BLE UART service:

- Scan for nearby devices advertising the UART service
- Monitor the UART stream on the terminal or through a PTY
- Send one-off payloads
- Run a DFU firmware transfer with live progress

Configuration is read from ~/.config/bledfu/config.yaml unless --config
points elsewhere. Command-line flags override file values.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(dfuCmd)
	rootCmd.AddCommand(uuidsCmd)

	addGlobalFlags(rootCmd)
}

// addGlobalFlags registers the persistent flags shared by every command.
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "Config file (default ~/.config/bledfu/config.yaml)")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("backend", "", "BLE backend (go-ble, tinygo)")
}
