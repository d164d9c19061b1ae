// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "iprouter",
	Short: "iprouter - IPv4 host and router over a UDP link",
	Long: `iprouter is the network layer of an IPv4 host that can also act as a router.
It delivers TCP segments addressed to the local address, forwards everything
else by longest-prefix match, and answers expiring datagrams with ICMP Time
Exceeded.

Datagrams travel between routers as UDP payloads; each neighbor next hop is
bound to a UDP endpoint in the configuration.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/iprouter/config.yml",
		"config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(routesCmd)
}
