// Package config manages fcmeshd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete fcmeshd configuration.
type Config struct {
	Node    NodeConfig    `koanf:"node"`
	Tun     TunConfig     `koanf:"tun"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// NodeConfig holds the node's overlay identity and session housekeeping.
type NodeConfig struct {
	// PrivateKey is the node's 32-byte x25519 private key, hex encoded.
	// The key must hash into fc00::/8; key generation grinds until one does.
	PrivateKey string `koanf:"private_key"`

	// SessionMaxAge bounds how long an outer session may live before the
	// between-frame maintenance pass drops it. Zero disables expiry.
	SessionMaxAge time.Duration `koanf:"session_max_age"`
}

// TunConfig holds the tunnel device configuration.
type TunConfig struct {
	// Name is the TUN interface name. Empty lets the kernel pick one.
	Name string `koanf:"name"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables the endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// Key decodes the hex-encoded node private key.
func (nc NodeConfig) Key() ([32]byte, error) {
	var key [32]byte
	trimmed := strings.TrimSpace(nc.PrivateKey)
	if trimmed == "" {
		return key, ErrMissingPrivateKey
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return key, fmt.Errorf("decode node.private_key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("node.private_key is %d bytes: %w", len(raw), ErrBadPrivateKeySize)
	}
	copy(key[:], raw)
	return key, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
// The private key has no default; identity is never invented silently.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			SessionMaxAge: 4 * time.Hour,
		},
		Tun: TunConfig{
			Name: "fcmesh0",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for fcmeshd configuration.
// Variables are named FCMESH_<section>_<key>, e.g., FCMESH_METRICS_ADDR.
const envPrefix = "FCMESH_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (FCMESH_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer entirely.
//
// Environment variable mapping:
//
//	FCMESH_NODE_PRIVATE_KEY -> node.private_key
//	FCMESH_TUN_NAME         -> tun.name
//	FCMESH_METRICS_ADDR     -> metrics.addr
//	FCMESH_LOG_LEVEL        -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// FCMESH_METRICS_ADDR -> metrics.addr (strip prefix, lowercase,
	// first _ becomes the section separator).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms FCMESH_METRICS_ADDR -> metrics.addr.
// Strips the FCMESH_ prefix, lowercases, and turns the first _ into the
// section separator, so multi-word keys like private_key survive.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"node.session_max_age": defaults.Node.SessionMaxAge.String(),
		"tun.name":             defaults.Tun.Name,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrMissingPrivateKey indicates no node private key was configured.
	ErrMissingPrivateKey = errors.New("node.private_key must be set")

	// ErrBadPrivateKeySize indicates a private key that is not 32 bytes.
	ErrBadPrivateKeySize = errors.New("node.private_key must be 32 bytes of hex")

	// ErrNegativeSessionAge indicates a negative session max age.
	ErrNegativeSessionAge = errors.New("node.session_max_age must not be negative")

	// ErrMissingMetricsPath indicates a metrics endpoint with no URL path.
	ErrMissingMetricsPath = errors.New("metrics.path must be set when metrics.addr is set")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if _, err := cfg.Node.Key(); err != nil {
		return err
	}

	if cfg.Node.SessionMaxAge < 0 {
		return ErrNegativeSessionAge
	}

	if cfg.Metrics.Addr != "" && cfg.Metrics.Path == "" {
		return ErrMissingMetricsPath
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
