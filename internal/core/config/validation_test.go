package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:   "missing listen",
			mutate: func(c *Config) { c.Server.Listen = "" },
			errMsg: "server.listen is required",
		},
		{
			name:   "relative external url",
			mutate: func(c *Config) { c.Server.ExternalURL = "/ga4gh" },
			errMsg: "server.external_url must be an absolute URL",
		},
		{
			name:   "missing engine",
			mutate: func(c *Config) { c.Engine.Command = nil },
			errMsg: "engine.command is required",
		},
		{
			name:   "auth without tokens",
			mutate: func(c *Config) { c.Auth.Enabled = true },
			errMsg: "auth.enabled requires at least one entry",
		},
		{
			name: "duplicate tokens",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.Tokens = []TokenUser{{Token: "t", Username: "a"}, {Token: "t", Username: "b"}}
			},
			errMsg: "duplicates another token",
		},
		{
			name:   "page sizes",
			mutate: func(c *Config) { c.Index.DefaultPageSize = 5000 },
			errMsg: "exceeds index.max_page_size",
		},
		{
			name:   "log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			errMsg: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}

	var nilCfg *Config
	assert.EqualError(t, nilCfg.Validate(), "config is nil")
}
