package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ws://localhost:8090/signal", cfg.SignalingURL)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, cfg.ICEServers)
	assert.Equal(t, 15*time.Second, cfg.ReconnectGrace)
	assert.Equal(t, 5*time.Second, cfg.PresencePollInterval)
	assert.Equal(t, 1280, cfg.VideoWidth)
	assert.Equal(t, 720, cfg.VideoHeight)
	assert.Equal(t, "./data/teleconsult.db", cfg.DBPath)
	assert.Equal(t, 32, cfg.SendQueue)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
}

func TestLoadFile_YAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	yaml := "mode: debug\nport: 9000\nreconnect_grace: 30s\nice_servers:\n  - stun:example.org:3478\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("TELECONSULT_PORT", "9100")
	t.Setenv("TELECONSULT_DISPLAY_NAME", "Dr. Rossi")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReconnectGrace)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.ICEServers)
	assert.Equal(t, "Dr. Rossi", cfg.DisplayName)
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 70000\n"), 0o600))

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "port")
}
