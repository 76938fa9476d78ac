package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultEnablesHardwareAcceleration(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.Hardware.EnableAESNI)
	require.True(t, cfg.Hardware.EnableARMv8AES)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverridesOnlyProvidedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockfold.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nchunk_size: 4096\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, int64(4096), cfg.ChunkSize)
	require.True(t, cfg.Hardware.EnableAESNI)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/blockfold.yaml")
	require.Error(t, err)
}
