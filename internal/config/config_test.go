package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  pretty: false
remote:
  wait_timeout: 3s
island:
  window: 1048576
device:
  host: ps5.local
  port: 9022
  user: root
  known_hosts: /etc/hotpatch/known_hosts
compile_commands: build/compile_commands.json
`)
	t.Setenv(EnvLogLevel, "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
	assert.Equal(t, 3*time.Second, cfg.Remote.WaitTimeout)
	assert.Equal(t, 4096, cfg.Remote.ScratchSize, "default is kept")
	assert.Equal(t, uint64(1<<20), cfg.Island.Window)
	assert.Equal(t, "ps5.local", cfg.Device.Host)
	assert.Equal(t, 9022, cfg.Device.Port)
	assert.Equal(t, "/etc/hotpatch/known_hosts", cfg.Device.KnownHosts)
	assert.Equal(t, "/tmp", cfg.Device.Dir)
	assert.Equal(t, "build/compile_commands.json", cfg.CompileCommands)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvDevicePassword, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingExplicit(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvDevicePassword, "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "secret", cfg.Device.Password)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "log: [", "failed to parse"},
		{"timeout", "remote:\n  wait_timeout: -1s\n", "remote.wait_timeout"},
		{"scratch", "remote:\n  scratch_size: 8\n", "remote.scratch_size"},
		{"port", "device:\n  port: 70000\n", "device.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/hotpatch.yaml")
	assert.Equal(t, "/etc/hotpatch.yaml", Path())

	t.Setenv(EnvConfig, "")
	assert.True(t, strings.HasSuffix(Path(), filepath.Join(defaultDir, defaultFile)), Path())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Device.Host = "10.0.0.2"
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvDevicePassword, "")
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
