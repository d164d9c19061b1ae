package cmd

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/spf13/cobra"

	"firestige.xyz/iprouter/internal/config"
	"firestige.xyz/iprouter/internal/core/icmp"
	"firestige.xyz/iprouter/internal/engine"
	"firestige.xyz/iprouter/internal/link/pcapfile"
	"firestige.xyz/iprouter/internal/log"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed a pcap capture through the engine",
	Long: `Feed every IPv4 datagram of a capture through a forwarding engine built
from the config file, and record what the engine sends.

Each recorded frame's destination MAC encodes the chosen next hop as
02:00:a:b:c:d.

Examples:
  iprouter replay -c config.yml --in trace.pcap --out routed.pcap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := log.Init(cfg.Log); err != nil {
			return err
		}
		return runReplay(cfg, replayIn, replayOut, cmd.OutOrStdout())
	},
}

var (
	replayIn  string
	replayOut string
)

func init() {
	replayCmd.Flags().StringVar(&replayIn, "in", "", "capture to replay (required)")
	replayCmd.Flags().StringVar(&replayOut, "out", "", "capture to record sent datagrams into (required)")
	replayCmd.MarkFlagRequired("in")
	replayCmd.MarkFlagRequired("out")
}

func runReplay(cfg *config.GlobalConfig, in, out string, w io.Writer) error {
	rec, err := pcapfile.Create(out, cfg.Node.Address)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer rec.Close()

	eng, err := engine.New(rec, engine.Config{
		LocalAddr:      cfg.Node.Address,
		Routes:         cfg.Routes,
		StrictChecksum: cfg.Engine.StrictChecksum,
		Unreachable:    cfg.Engine.Unreachable,
		ICMPRateLimit: icmp.RateLimiterConfig{
			MaxPerSource: cfg.Engine.ICMPRateLimit.MaxPerSource,
			Window:       cfg.Engine.ICMPRateLimit.Window,
		},
	})
	if err != nil {
		return err
	}
	eng.Register(func(src, dst netip.Addr, payload []byte) {
		fmt.Fprintf(w, "delivered %v -> %v (%d bytes)\n", src, dst, len(payload))
	})

	stats, err := pcapfile.ReplayFile(in, eng.Receive)
	if err != nil {
		return fmt.Errorf("failed to replay %s: %w", in, err)
	}

	s := eng.Stats()
	fmt.Fprintf(w, "packets: %d (skipped %d)\n", stats.Packets, stats.Skipped)
	fmt.Fprintf(w, "received: %d delivered: %d forwarded: %d dropped: %d icmp: %d\n",
		s.Received, s.Delivered, s.Forwarded, s.Dropped, s.ICMPSent)
	fmt.Fprintf(w, "recorded: %d -> %s\n", rec.Count(), out)
	return nil
}
