// ABOUTME: Configuration loading and parsing for coven-conversations
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-conversations configuration
type Config struct {
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Ledger       LedgerConfig       `yaml:"ledger" toml:"ledger"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ConversationConfig holds idle-timeout settings used by the reaper
type ConversationConfig struct {
	IdleTimeout        time.Duration `yaml:"-" toml:"-"`
	LongRunningTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval      time.Duration `yaml:"-" toml:"-"`
	TombstoneTTL       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IdleTimeoutRaw        string `yaml:"idle_timeout" toml:"idle_timeout"`
	LongRunningTimeoutRaw string `yaml:"long_running_timeout" toml:"long_running_timeout"`
	SweepIntervalRaw      string `yaml:"sweep_interval" toml:"sweep_interval"`
	TombstoneTTLRaw       string `yaml:"tombstone_ttl" toml:"tombstone_ttl"`

	// TombstoneMax bounds how many ended conversations are remembered
	TombstoneMax int `yaml:"tombstone_max" toml:"tombstone_max" validate:"gte=1"`
}

// LedgerConfig holds lifecycle ledger configuration
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path" validate:"required_if=Enabled true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// DefaultPath returns the default config location under XDG_CONFIG_HOME.
// COVEN_CONVERSATIONS_CONFIG overrides it.
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_CONVERSATIONS_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(xdg.ConfigHome, "coven", "conversations.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Conversation: ConversationConfig{
			IdleTimeoutRaw:        "30m",
			LongRunningTimeoutRaw: "8h",
			SweepIntervalRaw:      "1m",
			TombstoneTTLRaw:       "1h",
			IdleTimeout:           30 * time.Minute,
			LongRunningTimeout:    8 * time.Hour,
			SweepInterval:         time.Minute,
			TombstoneTTL:          time.Hour,
			TombstoneMax:          10000,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			Path:    filepath.Join(xdg.StateHome, "coven", "conversations.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML. Values not
// present in the file keep their defaults. Environment variables in the
// format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS is Load reading from fs.
func LoadFS(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

var validate = validator.New()

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: failed %q validation (value %v)", fieldPath(e.Namespace()), e.Tag(), e.Value())
		}
		return err
	}

	if c.Conversation.IdleTimeout < 0 || c.Conversation.LongRunningTimeout < 0 {
		return fmt.Errorf("conversation timeouts must not be negative")
	}
	if c.Conversation.SweepInterval <= 0 {
		return fmt.Errorf("conversation.sweep_interval must be positive")
	}
	if c.Conversation.TombstoneTTL <= 0 {
		return fmt.Errorf("conversation.tombstone_ttl must be positive")
	}
	return nil
}

// fieldPath turns "Config.Logging.Level" into "logging.level".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idle_timeout", cfg.Conversation.IdleTimeoutRaw, &cfg.Conversation.IdleTimeout},
		{"long_running_timeout", cfg.Conversation.LongRunningTimeoutRaw, &cfg.Conversation.LongRunningTimeout},
		{"sweep_interval", cfg.Conversation.SweepIntervalRaw, &cfg.Conversation.SweepInterval},
		{"tombstone_ttl", cfg.Conversation.TombstoneTTLRaw, &cfg.Conversation.TombstoneTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
