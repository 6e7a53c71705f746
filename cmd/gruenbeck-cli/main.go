// Gruenbeck-cli talks to the Grünbeck cloud behind the myGrünbeck app.
//
// It lists the softliQ water softeners on an account, reads and writes
// their settings, starts regenerations and can follow the realtime
// measurement stream.
//
// Usage:
//
//	gruenbeck-cli [command] [flags]
//
// See 'gruenbeck-cli --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gruenbeck-cli",
	Short: "Grünbeck cloud water softener client",
	Long: `A command line client for Grünbeck softliQ water softeners.

Reads device state, settings and consumption history from the vendor
cloud, writes settings, starts regenerations and follows the realtime
measurement stream.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
