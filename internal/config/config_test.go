package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "meshchat.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ble", cfg.TransportKind())
	assert.Equal(t, 200, cfg.Companion.DrainLimit)

	// The file must exist afterwards so users can edit it.
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoadMergesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("companion:\n  transport: TCP\n  endpoint: 10.0.0.5:5000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.TransportKind())
	assert.Equal(t, "10.0.0.5:5000", cfg.Companion.Endpoint)
	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1:8920", cfg.API.ListenAddr)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("companion: [oops"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestRefreshIntervalFloor(t *testing.T) {
	cfg := Default()
	cfg.Companion.ChannelRefreshSeconds = 1
	assert.Equal(t, 5*time.Second, cfg.RefreshInterval())

	cfg.Companion.ChannelRefreshSeconds = 60
	assert.Equal(t, time.Minute, cfg.RefreshInterval())
}
