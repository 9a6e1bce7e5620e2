package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 100, cfg.Viewer.PageSize)
	assert.Equal(t, time.Hour, cfg.Viewer.Span)
	assert.Equal(t, "none", cfg.Scorer.Backend)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanscope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
viewer:
  page_size: 50
  span: 30m
log:
  level: debug
  format: json
`), 0o644))
	t.Setenv("CHANSCOPE_PAGE_SIZE", "75")
	t.Setenv("CHANSCOPE_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Viewer.Span)
	assert.Equal(t, 75, cfg.Viewer.PageSize, "env wins over the file")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 24.0, cfg.Viewer.Step, "unset keys keep defaults")
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("CHANSCOPE_PAGE_SIZE", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "CHANSCOPE_PAGE_SIZE")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"page size too large", func(c *Config) { c.Viewer.PageSize = 501 }, "page_size"},
		{"zero step", func(c *Config) { c.Viewer.Step = 0 }, "viewer.step"},
		{"threshold out of range", func(c *Config) { c.Viewer.Threshold = 1.5 }, "threshold"},
		{"perspective without key", func(c *Config) { c.Scorer.Backend = "perspective" }, "api_key"},
		{"perspective with key", func(c *Config) {
			c.Scorer.Backend = "perspective"
			c.Scorer.APIKey = "k"
		}, ""},
		{"unknown backend", func(c *Config) { c.Scorer.Backend = "oracle" }, "unknown scorer backend"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
