// Package daemon runs a router: configuration, UDP link, forwarding engine
// and metrics server, until a signal stops it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/iprouter/internal/config"
	"firestige.xyz/iprouter/internal/core/icmp"
	"firestige.xyz/iprouter/internal/engine"
	"firestige.xyz/iprouter/internal/link/udp"
	"firestige.xyz/iprouter/internal/log"
	"firestige.xyz/iprouter/internal/metrics"
)

// Daemon manages the router process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	// Core components
	engine        *engine.Engine
	link          *udp.Link
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx       context.Context
	cancel    context.CancelFunc
	serveDone chan error
	sigChan   chan os.Signal
	stopOnce  sync.Once
}

// New loads the configuration at configPath.
func New(configPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		pidFile:    pidFile,
		serveDone:  make(chan error, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Engine returns the forwarding engine, nil before Start.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// LinkAddr returns the bound UDP link address, or the zero value before Start.
func (d *Daemon) LinkAddr() netip.AddrPort {
	if d.link == nil {
		return netip.AddrPort{}
	}
	return d.link.LocalAddr()
}

// Start initializes all components and begins reading from the link.
func (d *Daemon) Start() error {
	// 1. Logging
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"config":  d.configPath,
		"address": d.config.Node.Address,
	}).Info("starting iprouter daemon")

	// 2. PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Metrics
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Link and engine
	link, err := udp.Listen(d.config.Link)
	if err != nil {
		return fmt.Errorf("failed to open link: %w", err)
	}
	d.link = link

	d.engine, err = engine.New(link, engine.Config{
		LocalAddr:      d.config.Node.Address,
		Routes:         d.config.Routes,
		StrictChecksum: d.config.Engine.StrictChecksum,
		Unreachable:    d.config.Engine.Unreachable,
		ICMPRateLimit: icmp.RateLimiterConfig{
			MaxPerSource: d.config.Engine.ICMPRateLimit.MaxPerSource,
			Window:       d.config.Engine.ICMPRateLimit.Window,
		},
	})
	if err != nil {
		link.Close()
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine.Register(func(src, dst netip.Addr, payload []byte) {
		log.GetLogger().WithFields(map[string]interface{}{
			"src": src, "dst": dst, "bytes": len(payload),
		}).Info("segment delivered")
	})

	go func() {
		d.serveDone <- link.Serve(d.ctx, d.engine.Receive)
	}()

	// 5. Hot reload on file change
	if _, err := config.Watch(d.configPath, d.apply, func(err error) {
		log.GetLogger().WithError(err).Warn("ignoring invalid configuration change")
	}); err != nil {
		logger.WithError(err).Warn("config watch disabled")
	}

	logger.WithField("link", d.LinkAddr().String()).Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all components. It is safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		logger := log.GetLogger()
		logger.Info("initiating graceful shutdown")

		// 1. Stop reading; Serve returns once the socket closes.
		d.cancel()
		if d.link != nil {
			d.link.Close()
		}

		// 2. Metrics
		if d.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.metricsServer.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Error("error stopping metrics server")
			}
		}

		// 3. Signal handler
		if d.sigChan != nil {
			signal.Stop(d.sigChan)
		}

		// 4. PID file
		if err := d.removePIDFile(); err != nil {
			logger.WithError(err).Error("error removing PID file")
		}

		if d.engine != nil {
			s := d.engine.Stats()
			logger.WithFields(map[string]interface{}{
				"received":  s.Received,
				"delivered": s.Delivered,
				"forwarded": s.Forwarded,
				"sent":      s.Sent,
				"dropped":   s.Dropped,
				"icmp":      s.ICMPSent,
			}).Info("daemon stopped gracefully")
		}
	})
}

// Run blocks until SIGTERM/SIGINT, a link failure or Stop. SIGHUP reloads
// the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logger := log.GetLogger()
	logger.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil

			case syscall.SIGHUP:
				logger.Info("received reload signal")
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}

		case err := <-d.serveDone:
			d.Stop()
			if err != nil {
				return fmt.Errorf("link failed: %w", err)
			}
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return nil
		}
	}
}

// Reload re-reads the configuration file and applies it.
func (d *Daemon) Reload() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	d.apply(cfg)
	return nil
}

// apply installs what can change at runtime: log settings, local address
// and routes. Link and metrics settings require a restart.
func (d *Daemon) apply(next *config.GlobalConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.config
	if err := log.Init(next.Log); err != nil {
		log.GetLogger().WithError(err).Error("failed to reinitialize logging")
	}
	logger := log.GetLogger()

	var hotReloaded, requiresRestart []string
	if next.Log != prev.Log {
		hotReloaded = append(hotReloaded, "log")
	}
	if d.engine != nil {
		if next.Node.Address.IsValid() && next.Node.Address != prev.Node.Address {
			if err := d.engine.SetLocalAddr(next.Node.Address); err != nil {
				logger.WithError(err).Error("failed to set local address")
			} else {
				hotReloaded = append(hotReloaded, "node.address")
			}
		}
		if err := d.engine.InstallRoutes(next.Routes); err != nil {
			logger.WithError(err).Error("failed to install routes")
		} else {
			hotReloaded = append(hotReloaded, "routes")
		}
	}
	if next.Engine != prev.Engine {
		requiresRestart = append(requiresRestart, "engine")
	}
	if !linkEqual(next.Link, prev.Link) {
		requiresRestart = append(requiresRestart, "link")
	}
	if next.Metrics != prev.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	d.config = next

	logger.WithFields(map[string]interface{}{
		"hot_reloaded":     hotReloaded,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
}

func linkEqual(a, b config.LinkConfig) bool {
	if a.Listen != b.Listen || len(a.Neighbors) != len(b.Neighbors) {
		return false
	}
	for i := range a.Neighbors {
		if a.Neighbors[i] != b.Neighbors[i] {
			return false
		}
	}
	return true
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
