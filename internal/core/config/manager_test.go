package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wesd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := NewManager("").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: 0.0.0.0:8080
engine:
  command: [/usr/local/bin/run_workflow, --verbose]
  env:
    toil_workdir: /scratch
  cancel_grace: 2s
auth:
  enabled: true
  tokens:
    - token: Secret-Token
      username: alice
workflows:
  allowed_urls: [https://github.com/]
  types:
    - name: CWL
      versions: [v1.2]
`)

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout, "unset keys keep their defaults")
	assert.Equal(t, []string{"/usr/local/bin/run_workflow", "--verbose"}, cfg.Engine.Command)
	assert.Equal(t, map[string]string{"TOIL_WORKDIR": "/scratch"}, cfg.Engine.Env)
	assert.Equal(t, 2*time.Second, cfg.Engine.CancelGrace)
	assert.Equal(t, 10*time.Minute, cfg.Engine.StaleAfter)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, map[string]string{"Secret-Token": "alice"}, cfg.TokenMap())
	assert.Equal(t, map[string][]string{"CWL": {"v1.2"}}, cfg.WorkflowTypeMap())
	assert.Equal(t, []string{"https://github.com/"}, cfg.Workflows.AllowedURLs)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	t.Setenv("WESD_LOGGING_LEVEL", "debug")
	t.Setenv("WESD_STORAGE_RUN_DIR", "/var/lib/wesd/runs")
	t.Setenv("WESD_INDEX_SIGNING_KEY", "k3y")

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/wesd/runs", cfg.Storage.RunDir)
	assert.Equal(t, "k3y", cfg.Index.SigningKey)
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown section", "scheduler:\n  workers: 4\n"},
		{"unknown key", "server:\n  port: 80\n"},
		{"bad duration", "engine:\n  cancel_grace: soon\n"},
		{"empty command", "engine:\n  command: []\n"},
		{"token without username", "auth:\n  tokens:\n    - token: abc\n"},
		{"bad log level", "logging:\n  level: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(writeConfig(t, tt.content)).Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "schema validation failed")
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "wesd.yaml")
	m := NewManager(path)
	assert.False(t, m.Exists())

	cfg := DefaultConfig()
	cfg.Engine.Command = []string{"/opt/engine"}
	cfg.Index.SigningKey = "signing"
	require.NoError(t, m.Save(cfg))
	assert.True(t, m.Exists())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
