// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"firestige.xyz/iprouter/internal/core"
	"firestige.xyz/iprouter/internal/route"
)

// GlobalConfig is the whole configuration, found under the `iprouter:` root
// key in YAML.
type GlobalConfig struct {
	Node    NodeConfig    `mapstructure:"node"`
	Routes  []route.Route `mapstructure:"routes"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Link    LinkConfig    `mapstructure:"link"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig identifies this host on the network.
type NodeConfig struct {
	Address netip.Addr `mapstructure:"address"` // Datagrams to other addresses are forwarded
}

// ─── Engine ───

// EngineConfig toggles behaviour stricter than the default.
type EngineConfig struct {
	StrictChecksum bool `mapstructure:"strict_checksum"` // Drop datagrams whose header checksum is wrong
	Unreachable    bool `mapstructure:"unreachable"`     // Answer no-route with ICMP Destination Unreachable

	ICMPRateLimit ICMPRateLimitConfig `mapstructure:"icmp_rate_limit"`
}

// ICMPRateLimitConfig caps ICMP error messages per source address.
type ICMPRateLimitConfig struct {
	MaxPerSource int           `mapstructure:"max_per_source"` // 0 disables the limit
	Window       time.Duration `mapstructure:"window"`
}

// ─── Link ───

// LinkConfig configures the UDP link that carries raw datagrams between
// routers.
type LinkConfig struct {
	Listen    string           `mapstructure:"listen"`
	Neighbors []NeighborConfig `mapstructure:"neighbors"`
}

// NeighborConfig binds a next-hop address to the UDP endpoint that reaches it.
type NeighborConfig struct {
	Address  netip.Addr `mapstructure:"address"`
	Endpoint string     `mapstructure:"endpoint"` // host:port
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`   // trace / debug / info / warn / error
	Format  string           `mapstructure:"format"`  // pattern / json
	Pattern string           `mapstructure:"pattern"` // %time %level %field %msg %caller %n
	Time    string           `mapstructure:"time"`    // Go time layout
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig lists log destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `iprouter: ...`.
type configRoot struct {
	IPRouter GlobalConfig `mapstructure:"iprouter"`
}

// Load loads configuration from file.
// Env vars override file values: key "iprouter.node.address" is read from IPROUTER_NODE_ADDRESS.
func Load(path string) (*GlobalConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads path, then calls onChange with every later revision of the
// file that decodes and validates. Revisions that fail are passed to onError
// and otherwise ignored.
func Watch(path string, onChange func(*GlobalConfig), onError func(error)) (*GlobalConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `iprouter.` key prefix maps to `IPROUTER_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v, nil
}

func decode(v *viper.Viper) (*GlobalConfig, error) {
	var root configRoot
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&root, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.IPRouter

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "iprouter." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("iprouter.node.address", "")

	v.SetDefault("iprouter.engine.strict_checksum", false)
	v.SetDefault("iprouter.engine.unreachable", false)
	v.SetDefault("iprouter.engine.icmp_rate_limit.max_per_source", 0)
	v.SetDefault("iprouter.engine.icmp_rate_limit.window", "1s")

	v.SetDefault("iprouter.link.listen", ":5000")

	v.SetDefault("iprouter.metrics.enabled", true)
	v.SetDefault("iprouter.metrics.listen", ":9091")
	v.SetDefault("iprouter.metrics.path", "/metrics")

	v.SetDefault("iprouter.log.level", "info")
	v.SetDefault("iprouter.log.format", "pattern")
	v.SetDefault("iprouter.log.pattern", "%time [%level] %field %msg%n")
	v.SetDefault("iprouter.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("iprouter.log.outputs.file.enabled", false)
	v.SetDefault("iprouter.log.outputs.file.path", "/var/log/iprouter/iprouter.log")
	v.SetDefault("iprouter.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("iprouter.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("iprouter.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("iprouter.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %q (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "pattern" && cfg.Log.Format != "json" {
		return fmt.Errorf("%w: log format %q (must be pattern/json)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Node address ──
	if cfg.Node.Address.IsValid() {
		cfg.Node.Address = cfg.Node.Address.Unmap()
		if !cfg.Node.Address.Is4() {
			return fmt.Errorf("%w: node.address %v is not IPv4", core.ErrConfigInvalid, cfg.Node.Address)
		}
	}

	// ── Engine ──
	if cfg.Engine.ICMPRateLimit.MaxPerSource < 0 {
		return fmt.Errorf("%w: engine.icmp_rate_limit.max_per_source must not be negative", core.ErrConfigInvalid)
	}
	if cfg.Engine.ICMPRateLimit.Window <= 0 {
		cfg.Engine.ICMPRateLimit.Window = time.Second
	}

	// ── Routes ──
	for i, r := range cfg.Routes {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}

	// ── Link neighbors ──
	seen := make(map[netip.Addr]bool, len(cfg.Link.Neighbors))
	for i, n := range cfg.Link.Neighbors {
		if !n.Address.Is4() {
			return fmt.Errorf("%w: link.neighbors[%d].address %v is not IPv4", core.ErrConfigInvalid, i, n.Address)
		}
		if n.Endpoint == "" {
			return fmt.Errorf("%w: link.neighbors[%d].endpoint is required", core.ErrConfigInvalid, i)
		}
		if seen[n.Address] {
			return fmt.Errorf("%w: link.neighbors[%d] duplicates %v", core.ErrConfigInvalid, i, n.Address)
		}
		seen[n.Address] = true
	}

	// ── Metrics ──
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}
