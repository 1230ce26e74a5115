// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix marks environment variables that override config values:
// MODELGATE_SERVER_PORT -> server.port.
const envPrefix = "MODELGATE_"

// Kinds lists the vendor families a provider entry can be built as.
var Kinds = []string{"openai", "anthropic", "google", "ollama", "cohere", "replicate", "uistream"}

// kindsWithoutDefaultURL have no public endpoint to fall back on.
var kindsWithoutDefaultURL = []string{"uistream"}

// Config is the top-level configuration for the modelgate gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Polling   PollingConfig             `koanf:"polling"`
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// LogConfig selects the application logger.
type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// PollingConfig bounds submit-then-poll jobs (video, async images).
type PollingConfig struct {
	Interval    time.Duration `koanf:"interval"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// ProviderConfig holds the settings for a single provider entry. The map
// key in Config.Providers is the provider key used in model identifiers.
type ProviderConfig struct {
	Kind string `koanf:"kind"`

	// APIKey is a literal key or a ${VAR} reference. References are kept
	// as written and resolved on every call by Credentials.
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`

	// Capabilities narrows what the provider serves. Empty means
	// everything the vendor supports.
	Capabilities []string `koanf:"capabilities"`

	Timeout   time.Duration     `koanf:"timeout"`
	RateLimit float64           `koanf:"rate_limit"`
	Burst     int               `koanf:"burst"`
	Headers   map[string]string `koanf:"headers"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a validated Config with defaults applied.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// Variables already set in the real environment win; godotenv never
	// overwrites them.
	_ = godotenv.Load()

	// The "." delimiter tells koanf how nested keys are joined in its
	// internal map ("server.port", "providers.openai.api_key").
	k := koanf.New(".")

	// file.Provider reads the bytes; yaml.Parser decodes them into koanf's
	// map. Loading is layered: every later Load overwrites the keys it
	// sets and leaves the rest alone.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Environment variables go on top of the file. The callback turns a
	// variable name into a koanf key path:
	//
	//   MODELGATE_SERVER_PORT -> server.port
	//
	// Every "_" becomes a level separator, so keys that contain an
	// underscore themselves (read_timeout, api_key) can't be reached this
	// way. Use the YAML file, or a ${VAR} reference for keys.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// "" unmarshals from the root. koanf writes through the pointer and
	// matches fields by their koanf struct tags.
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 2 * time.Second
	}
	if c.Polling.Timeout == 0 && c.Polling.MaxAttempts == 0 {
		c.Polling.Timeout = 10 * time.Minute
	}

	normalized := make(map[string]ProviderConfig, len(c.Providers))
	for key, p := range c.Providers {
		p.Kind = strings.ToLower(p.Kind)
		if p.Kind == "" {
			// An entry named after a kind needs no explicit kind.
			p.Kind = strings.ToLower(key)
		}
		// p is a copy of the map value, so the result goes into a new map
		// instead of being written back while ranging.
		if p.Timeout == 0 {
			p.Timeout = 2 * time.Minute
		}
		normalized[strings.ToLower(key)] = p
	}
	c.Providers = normalized
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if c.Polling.Timeout < 0 || c.Polling.MaxAttempts < 0 {
		return fmt.Errorf("polling bounds must not be negative")
	}

	for key, p := range c.Providers {
		if strings.Contains(key, ":") {
			return fmt.Errorf("provider %q: key must not contain ':'", key)
		}
		if !slices.Contains(Kinds, p.Kind) {
			return fmt.Errorf("provider %q: unknown kind %q (want one of %s)", key, p.Kind, strings.Join(Kinds, ", "))
		}
		if p.BaseURL == "" && slices.Contains(kindsWithoutDefaultURL, p.Kind) {
			return fmt.Errorf("provider %q: kind %s needs base_url", key, p.Kind)
		}
		if p.RateLimit < 0 || p.Burst < 0 {
			return fmt.Errorf("provider %q: rate_limit and burst must not be negative", key)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider %q: timeout must not be negative", key)
		}
	}
	return nil
}

// Credentials returns a lookup for provider API keys. ${VAR} references
// are expanded on every call, so a rotated environment value applies to
// the next request without a restart.
//
// koanf doesn't expand placeholders, and Load keeps them as
// written: expanding at load time would freeze the key the process started
// with. An unset or empty variable reports false, which the provider turns
// into a missing-credential error for that call only.
func Credentials(cfg *Config) func(providerID string) (string, bool) {
	keys := make(map[string]string, len(cfg.Providers))
	for key, p := range cfg.Providers {
		keys[strings.ToLower(key)] = p.APIKey
	}

	return func(providerID string) (string, bool) {
		raw, ok := keys[strings.ToLower(providerID)]
		if !ok || raw == "" {
			return "", false
		}
		if strings.HasPrefix(raw, "${") && strings.HasSuffix(raw, "}") {
			v, set := os.LookupEnv(raw[2 : len(raw)-1])
			return v, set && v != ""
		}
		return raw, true
	}
}
