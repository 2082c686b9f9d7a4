package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, 5555, cfg.Server.Port)
	assert.Equal(t, 5556, cfg.Server.PortOut)
	assert.Equal(t, 1, cfg.Server.NumWorker)
	assert.Equal(t, 10, cfg.Server.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Server.BatchTimeout())
	assert.Equal(t, "obj", cfg.Server.Protocol)
	assert.Equal(t, 15*time.Minute, cfg.Server.ClientDeadline())
	assert.Equal(t, 5*time.Second, cfg.Server.DrainTimeout())
	assert.Zero(t, cfg.Server.ReplyTTL(), "reply ttl is unbounded by default")
	assert.False(t, cfg.Server.AutoRespawn, "dead workers are not respawned by default")
	assert.Equal(t, "from_last_pull", cfg.Server.BatchTimeoutSemantics)
	assert.Equal(t, "pad_error", cfg.Server.OnShapeMismatch)
	assert.Zero(t, cfg.HTTP.Port, "status proxy is opt-in")
}

func TestValidateDefaultsPass(t *testing.T) {
	require.NoError(t, defaultConfig(t).Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Server.NumWorker = 0 }},
		{"zero sinks", func(c *Config) { c.Server.NumSinks = 0 }},
		{"zero batch size", func(c *Config) { c.Server.BatchSize = 0 }},
		{"negative batch timeout", func(c *Config) { c.Server.BatchGroupTimeoutMS = -1 }},
		{"bad protocol", func(c *Config) { c.Server.Protocol = "json" }},
		{"zero gpu fraction", func(c *Config) { c.Server.GPUMemoryFraction = 0 }},
		{"gpu fraction above one", func(c *Config) { c.Server.GPUMemoryFraction = 1.5 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"bad semantics", func(c *Config) { c.Server.BatchTimeoutSemantics = "sometimes" }},
		{"bad mismatch policy", func(c *Config) { c.Server.OnShapeMismatch = "explode" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batchd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 7777
batch_size = 32
num_worker = 4

[log]
verbose = true
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Server.BatchSize)
	assert.Equal(t, 4, cfg.Server.NumWorker)
	assert.True(t, cfg.Log.Verbose)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5556, cfg.Server.PortOut)
}

func TestLoadEnvSelection(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batchd.staging.toml"), []byte(`
[server]
port = 8888
`), 0o644))

	t.Setenv("SERVICE_ENV_SETTING", "STAGING")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8888, cfg.Server.Port)
}

func TestLoadRejectsUnknownEnv(t *testing.T) {
	t.Setenv("SERVICE_ENV_SETTING", "LOCAL")
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv("SERVICE_ENV_SETTING", "PRODUCTION")
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestLoadWithoutEnvUsesDefaults(t *testing.T) {
	t.Setenv("SERVICE_ENV_SETTING", "")
	os.Unsetenv("SERVICE_ENV_SETTING")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Server.Port)
}

func TestRenderTOML(t *testing.T) {
	out, err := defaultConfig(t).RenderTOML()
	require.NoError(t, err)
	assert.Contains(t, out, "[server]")
	assert.Contains(t, out, "batch_size = 10")
}
