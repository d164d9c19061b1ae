package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/iprouter/internal/daemon"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the router in foreground",
	Long: `Run the router in foreground.

The router will:
  1. Load configuration from the config file
  2. Initialize logging and metrics
  3. Bind the UDP link and start the forwarding engine
  4. Reload routes when the config file changes or on SIGHUP
  5. Shut down gracefully on SIGTERM or SIGINT`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var pidFile string

func init() {
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (none when empty)")
}

func runDaemon() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
