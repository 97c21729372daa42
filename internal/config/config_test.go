package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
master = "living-room:6600"
slaves = ["kitchen", "bedroom:6601/0.2"]
password = "hunter2"
latency_adjust = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "living-room:6600", cfg.Master)
	assert.Equal(t, []string{"kitchen", "bedroom:6601/0.2"}, cfg.Slaves)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.True(t, cfg.LatencyAdjust)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master")

	cfg.Master = "living-room"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slaves")

	cfg.Slaves = []string{"kitchen"}
	assert.NoError(t, cfg.Validate())
}
