package config

import "time"

// Config is the wesd service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" json:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" json:"storage" yaml:"storage"`
	Engine    EngineConfig    `mapstructure:"engine" json:"engine" yaml:"engine"`
	Auth      AuthConfig      `mapstructure:"auth" json:"auth" yaml:"auth"`
	Index     IndexConfig     `mapstructure:"index" json:"index" yaml:"index"`
	Workflows WorkflowsConfig `mapstructure:"workflows" json:"workflows" yaml:"workflows"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Listen string `mapstructure:"listen" json:"listen" yaml:"listen"`
	// ExternalURL is the base URL clients use to reach the API, used for output links
	ExternalURL     string        `mapstructure:"external_url" json:"external_url" yaml:"external_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig locates the run directories and the index database
type StorageConfig struct {
	RunDir    string `mapstructure:"run_dir" json:"run_dir" yaml:"run_dir"`
	IndexPath string `mapstructure:"index_path" json:"index_path" yaml:"index_path"`
}

// EngineConfig describes how workflow engines are launched
type EngineConfig struct {
	// Command is the engine argv. The run directory is appended as the last argument.
	Command     []string          `mapstructure:"command" json:"command" yaml:"command"`
	Env         map[string]string `mapstructure:"env" json:"env,omitempty" yaml:"env,omitempty"`
	CancelGrace time.Duration     `mapstructure:"cancel_grace" json:"cancel_grace" yaml:"cancel_grace"`
	StaleAfter  time.Duration     `mapstructure:"stale_after" json:"stale_after" yaml:"stale_after"`
}

// AuthConfig maps bearer tokens to usernames
type AuthConfig struct {
	Enabled bool        `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Tokens  []TokenUser `mapstructure:"tokens" json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

// TokenUser binds one bearer token to a username
type TokenUser struct {
	Token    string `mapstructure:"token" json:"token" yaml:"token"`
	Username string `mapstructure:"username" json:"username" yaml:"username"`
}

// IndexConfig configures the run index
type IndexConfig struct {
	// SigningKey signs page tokens. When empty a random key is used and
	// tokens do not survive a restart.
	SigningKey      string `mapstructure:"signing_key" json:"signing_key,omitempty" yaml:"signing_key,omitempty"`
	DefaultPageSize int    `mapstructure:"default_page_size" json:"default_page_size" yaml:"default_page_size"`
	MaxPageSize     int    `mapstructure:"max_page_size" json:"max_page_size" yaml:"max_page_size"`
}

// WorkflowsConfig restricts what may be submitted
type WorkflowsConfig struct {
	AllowedURLs []string       `mapstructure:"allowed_urls" json:"allowed_urls,omitempty" yaml:"allowed_urls,omitempty"`
	Types       []WorkflowType `mapstructure:"types" json:"types" yaml:"types"`
}

// WorkflowType is one supported workflow language
type WorkflowType struct {
	Name     string   `mapstructure:"name" json:"name" yaml:"name"`
	Versions []string `mapstructure:"versions" json:"versions" yaml:"versions"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:1122",
			ExternalURL:     "http://127.0.0.1:1122/ga4gh/wes/v1",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			RunDir:    "runs",
			IndexPath: "wesd.db",
		},
		Engine: EngineConfig{
			Command:     []string{"run_workflow"},
			CancelGrace: 5 * time.Second,
			StaleAfter:  10 * time.Minute,
		},
		Index: IndexConfig{
			DefaultPageSize: 10,
			MaxPageSize:     1000,
		},
		Workflows: WorkflowsConfig{
			Types: []WorkflowType{
				{Name: "CWL", Versions: []string{"v1.0", "v1.1", "v1.2"}},
				{Name: "WDL", Versions: []string{"1.0"}},
				{Name: "NFL", Versions: []string{"22.10.0"}},
				{Name: "SMK", Versions: []string{"7.32.0"}},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// TokenMap returns the bearer token to username mapping
func (c *Config) TokenMap() map[string]string {
	m := make(map[string]string, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		m[t.Token] = t.Username
	}
	return m
}

// WorkflowTypeMap returns the supported workflow types keyed by name
func (c *Config) WorkflowTypeMap() map[string][]string {
	m := make(map[string][]string, len(c.Workflows.Types))
	for _, t := range c.Workflows.Types {
		m[t.Name] = append(m[t.Name], t.Versions...)
	}
	return m
}
