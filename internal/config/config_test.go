package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Empty(t, cfg.Server.AuthToken)
	assert.Equal(t, 60*time.Second, cfg.Maintenance.ReapInterval)
	assert.Equal(t, 30*time.Second, cfg.Maintenance.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, cfg.Maintenance.ConnStaleAfter)
	assert.Equal(t, 60*time.Second, cfg.Maintenance.SessionRetention)
	assert.Equal(t, 5*time.Minute, cfg.History.Retention)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
maintenance:
  conn_stale_after: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Maintenance.ConnStaleAfter)
	// Everything not named keeps its default.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 60*time.Second, cfg.Maintenance.ReapInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestHolderSwap(t *testing.T) {
	first := Default()
	h := NewHolder(first)
	assert.Same(t, first, h.Current())

	second := Default()
	second.Server.Port = 9999
	h.Store(second)
	assert.Equal(t, 9999, h.Current().Server.Port)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, h, zerolog.Nop()))

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644))

	require.Eventually(t, func() bool {
		return h.Current().Server.Port == 9100
	}, 5*time.Second, 10*time.Millisecond, "reload never published")
}

func TestWatchKeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, h, zerolog.Nop()))

	require.NoError(t, os.WriteFile(path, []byte("server: [broken\n"), 0o644))

	// Give the debounced reload time to fire, then confirm nothing changed.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 9000, h.Current().Server.Port)
}
