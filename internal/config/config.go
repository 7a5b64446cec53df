// Package config loads the daemon configuration with layered precedence:
// built-in defaults, then an optional YAML file, then environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/campuskit/sessioncore/session"
)

// DefaultConfigPaths lists where the config file is searched, first match
// wins.
var DefaultConfigPaths = []string{
	"sessioncore.yaml",
	"sessioncore.yml",
	"/etc/sessioncore/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SESSIONCORE_CONFIG"

// EnvPrefix prefixes every environment override. A double underscore is the
// section separator: SESSIONCORE_SESSION__MAX_INACTIVITY=15m sets
// session.max_inactivity.
const EnvPrefix = "SESSIONCORE_"

// Config is the daemon's full configuration.
type Config struct {
	Session  session.Config `koanf:"session"`
	Audit    AuditConfig    `koanf:"audit"`
	Storage  StorageConfig  `koanf:"storage"`
	Provider ProviderConfig `koanf:"provider"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// AuditConfig tunes the audit logger.
type AuditConfig struct {
	BufferCap       int           `koanf:"buffer_cap"`
	FlushInterval   time.Duration `koanf:"flush_interval"`
	MaxSegmentBytes int           `koanf:"max_segment_bytes"`
}

// StorageConfig selects the key-value store backend.
type StorageConfig struct {
	// Backend is "memory" or "badger".
	Backend string `koanf:"backend"`

	// Path is the Badger database directory.
	Path string `koanf:"path"`

	// SealKey is a base64-encoded 32-byte key for snapshot encryption.
	// Empty disables sealing: snapshots persist as plain JSON and the
	// manager records a security warning.
	SealKey string `koanf:"seal_key"`
}

// ProviderConfig selects the identity provider.
type ProviderConfig struct {
	// Mode is "fake" or "oidc".
	Mode          string   `koanf:"mode"`
	IssuerURL     string   `koanf:"issuer_url"`
	ClientID      string   `koanf:"client_id"`
	ClientSecret  string   `koanf:"client_secret"`
	Scopes        []string `koanf:"scopes"`
	RevocationURL string   `koanf:"revocation_url"`
}

// LoggingConfig tunes the operational logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Session: session.DefaultConfig(),
		Audit: AuditConfig{
			BufferCap:       100,
			FlushInterval:   30 * time.Second,
			MaxSegmentBytes: 64 << 10,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "/data/sessioncore",
		},
		Provider: ProviderConfig{
			Mode: "fake",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, file, and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "[config.Load] defaults")
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "[config.Load] file %s", path)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(key string) string {
		key = strings.TrimPrefix(key, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, errors.Wrap(err, "[config.Load] environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "[config.Load] unmarshal")
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
