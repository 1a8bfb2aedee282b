package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/aki/wesd/internal/core/logger"
)

// Validate checks the semantic rules the schema cannot express
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}
	if c.Server.ExternalURL != "" {
		if u, err := url.Parse(c.Server.ExternalURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.external_url must be an absolute URL: %q", c.Server.ExternalURL))
		}
	}
	if c.Storage.RunDir == "" {
		errs = append(errs, fmt.Errorf("storage.run_dir is required"))
	}
	if c.Storage.IndexPath == "" {
		errs = append(errs, fmt.Errorf("storage.index_path is required"))
	}
	if len(c.Engine.Command) == 0 || c.Engine.Command[0] == "" {
		errs = append(errs, fmt.Errorf("engine.command is required"))
	}
	if c.Engine.CancelGrace < 0 || c.Engine.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("engine durations must not be negative"))
	}
	if err := c.validateAuth(); err != nil {
		errs = append(errs, err)
	}
	if c.Index.DefaultPageSize > c.Index.MaxPageSize {
		errs = append(errs, fmt.Errorf("index.default_page_size %d exceeds index.max_page_size %d",
			c.Index.DefaultPageSize, c.Index.MaxPageSize))
	}
	for i, t := range c.Workflows.Types {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("workflows.types[%d].name is required", i))
		}
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if _, err := logger.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Errorf("logging.format: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) validateAuth() error {
	if !c.Auth.Enabled {
		return nil
	}
	if len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("auth.enabled requires at least one entry in auth.tokens")
	}
	seen := make(map[string]bool, len(c.Auth.Tokens))
	for i, t := range c.Auth.Tokens {
		if t.Token == "" || t.Username == "" {
			return fmt.Errorf("auth.tokens[%d] needs both token and username", i)
		}
		if seen[t.Token] {
			return fmt.Errorf("auth.tokens[%d] duplicates another token", i)
		}
		seen[t.Token] = true
	}
	return nil
}
