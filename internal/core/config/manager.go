// Package config loads and validates the wesd configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFile is the file looked up in the working directory when no path is given
	ConfigFile = "wesd.yaml"
	// EnvPrefix prefixes environment overrides, e.g. WESD_SERVER_LISTEN
	EnvPrefix = "WESD"
)

// Manager reads and writes one configuration file
type Manager struct {
	configPath string
	explicit   bool
}

// NewManager creates a manager for configPath. An empty path means
// ConfigFile in the working directory, which may be absent.
func NewManager(configPath string) *Manager {
	if configPath == "" {
		return &Manager{configPath: ConfigFile}
	}
	return &Manager{configPath: configPath, explicit: true}
}

// Path returns the configuration file path
func (m *Manager) Path() string {
	return m.configPath
}

// Exists reports whether the configuration file is present
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}

// Load merges defaults, the configuration file and WESD_ environment
// overrides, then validates the result
func (m *Manager) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are unknown to AutomaticEnv
	for _, key := range []string{"index.signing_key", "server.external_url"} {
		_ = v.BindEnv(key)
	}

	defaults, err := Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	data, err := os.ReadFile(m.configPath)
	switch {
	case err == nil:
		if err := ValidateYAML(data); err != nil {
			return nil, fmt.Errorf("invalid configuration %s: %w", m.configPath, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !m.explicit:
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("configuration file not found: %s", m.configPath)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// normalize undoes viper's key lowercasing where case matters
func normalize(cfg *Config) {
	if len(cfg.Engine.Env) > 0 {
		env := make(map[string]string, len(cfg.Engine.Env))
		for k, v := range cfg.Engine.Env {
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			env[strings.ToUpper(k)] = v
		}
		cfg.Engine.Env = env
	}
}

// Save writes cfg as YAML. The file may hold bearer tokens, so it is
// only readable by its owner.
func (m *Manager) Save(cfg *Config) error {
	if dir := filepath.Dir(m.configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
