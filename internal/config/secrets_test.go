package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewSecretStore(dir, "host-seed-1")

	values := map[string]string{
		"amcrest.password": "hunter2",
		"steren.password":  "s3cret",
	}
	require.NoError(t, s.Store(values))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, values, loaded)
}

func TestSecretStore_CiphertextIsNotPlaintext(t *testing.T) {
	dir := t.TempDir()
	s := NewSecretStore(dir, "host-seed-1")
	require.NoError(t, s.Store(map[string]string{"k": "very-secret-password"}))

	raw, err := os.ReadFile(filepath.Join(dir, "credentials.enc"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret-password")
}

func TestSecretStore_WrongSeedFailsToDecrypt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewSecretStore(dir, "seed-a").Store(map[string]string{"k": "v"}))

	_, err := NewSecretStore(dir, "seed-b").Load()
	assert.Error(t, err, "a different host seed must not decrypt the stored values")
}

func TestSecretStore_LoadWithoutFile(t *testing.T) {
	s := NewSecretStore(t.TempDir(), "seed")
	values, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, values)
}

func TestSecretStore_OwnerOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permission bits are not meaningful on windows")
	}
	dir := t.TempDir()
	s := NewSecretStore(dir, "seed")
	require.NoError(t, s.Store(map[string]string{"k": "v"}))

	for _, name := range []string{"credentials.enc", "credentials.salt"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), name)
	}
}

func TestSecretStore_FailsClosedWhenSaltUnwritable(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs a non-root posix environment to deny writes")
	}
	dir := filepath.Join(t.TempDir(), "locked")
	require.NoError(t, os.MkdirAll(dir, 0o500))

	s := NewSecretStore(dir, "seed")
	err := s.Store(map[string]string{"k": "v"})
	assert.Error(t, err, "sensitive values must not be persisted when the KDF material cannot be established")
	_, statErr := os.Stat(filepath.Join(dir, "credentials.enc"))
	assert.True(t, os.IsNotExist(statErr))
}
