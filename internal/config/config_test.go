package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	l := NewLoader()
	cfg, err := l.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Network.Timeout)
	assert.Equal(t, 5, cfg.Network.BufferSize)
	assert.Equal(t, 10, cfg.Performance.MaxConcurrentConnections)
	assert.Equal(t, 33*time.Millisecond, cfg.Stream.MinEmitInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scan.DefaultCacheTTL)
	assert.Equal(t, 10, cfg.Persistence.BackupRetain)
	assert.True(t, cfg.Security.EncryptConfig)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app_config.yaml")
	yaml := `
network:
  timeout: 9s
  buffer_size: 12
scan:
  max_concurrent_scans: 7
vendors:
  amcrest:
    ip: 192.168.1.108
    username: admin
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.Network.Timeout)
	assert.Equal(t, 12, cfg.Network.BufferSize)
	assert.Equal(t, 7, cfg.Scan.MaxConcurrentScans)
	require.Contains(t, cfg.Vendors, "amcrest")
	assert.Equal(t, "192.168.1.108", cfg.Vendors["amcrest"].IP)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  buffer_size: 0\n"), 0o644))

	_, err := NewLoader().Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer_size")
}

func TestLoad_RejectsBadVendorIP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vendors:\n  steren:\n    ip: not-an-ip\n"), 0o644))

	_, err := NewLoader().Load(path)
	require.Error(t, err)
}

func TestValidateValue_TableDriven(t *testing.T) {
	assert.NoError(t, ValidateValue(KindIPAddr, "10.0.0.1"))
	assert.Error(t, ValidateValue(KindIPAddr, "10.0.0.999"))
	assert.Error(t, ValidateValue(KindIPAddr, 42))

	assert.NoError(t, ValidateValue(KindInt, 5))
	assert.Error(t, ValidateValue(KindInt, "five"))

	assert.NoError(t, ValidateValue(KindBool, true))
	assert.Error(t, ValidateValue(KindBool, "true"))

	// Kinds without a value-level validator accept anything.
	assert.NoError(t, ValidateValue(KindString, 12345))
	assert.NoError(t, ValidateValue(KindPassword, "hunter2"))
}

func TestWatchReload_PicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  timeout: 3s\n"), 0o644))

	l := NewLoader()
	_, err := l.Load(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	stop, err := l.WatchReload(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("network:\n  timeout: 8s\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8*time.Second, cfg.Network.Timeout)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload did not fire")
	}
}
