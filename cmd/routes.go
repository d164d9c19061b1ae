package cmd

import (
	"io"
	"net/netip"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/iprouter/internal/config"
	"firestige.xyz/iprouter/internal/route"
)

var routesCmd = &cobra.Command{
	Use:   "routes [ADDR...]",
	Short: "Show the forwarding table",
	Long: `Print the configured forwarding table in lookup order, the address
ranges it covers, and for each ADDR the route a lookup selects.

Examples:
  iprouter routes -c config.yml
  iprouter routes -c config.yml 192.168.1.7 8.8.8.8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return runRoutes(cfg, args, cmd.OutOrStdout())
	},
}

type routesReport struct {
	Routes   []routeEntry   `yaml:"routes"`
	Coverage []string       `yaml:"coverage"`
	Lookups  []lookupResult `yaml:"lookups,omitempty"`
}

type routeEntry struct {
	CIDR    string `yaml:"cidr"`
	NextHop string `yaml:"next_hop"`
}

type lookupResult struct {
	Address string `yaml:"address"`
	CIDR    string `yaml:"cidr,omitempty"`
	NextHop string `yaml:"next_hop,omitempty"`
	Bits    int    `yaml:"bits"`
	Error   string `yaml:"error,omitempty"`
}

func runRoutes(cfg *config.GlobalConfig, addrs []string, w io.Writer) error {
	table, err := route.NewTable(cfg.Routes)
	if err != nil {
		return err
	}

	var report routesReport
	for _, r := range table.Routes() {
		report.Routes = append(report.Routes, routeEntry{CIDR: r.Prefix.String(), NextHop: r.NextHop.String()})
	}
	set, err := table.Coverage()
	if err != nil {
		return err
	}
	for _, p := range set.Prefixes() {
		report.Coverage = append(report.Coverage, p.String())
	}

	for _, a := range addrs {
		res := lookupResult{Address: a}
		addr, err := netip.ParseAddr(a)
		if err != nil {
			res.Error = err.Error()
			report.Lookups = append(report.Lookups, res)
			continue
		}
		m, err := table.Lookup(addr)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.CIDR = m.Prefix.String()
			res.NextHop = m.NextHop.String()
			res.Bits = m.Bits
		}
		report.Lookups = append(report.Lookups, res)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}
