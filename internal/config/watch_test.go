package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, path string, cfg *Config) {
	t.Helper()
	require.NoError(t, cfg.Save(path))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, DefaultConfig())

	changes := make(chan Dynamic, 4)
	w, err := NewWatcher(path, zap.NewNop(), func(d Dynamic) {
		changes <- d
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	updated := DefaultConfig()
	updated.Cache.Enabled = false
	updated.Memory.MinRelevanceScore = 0.55
	updated.Memory.MaxContextItems = 3
	writeConfigFile(t, path, updated)

	select {
	case d := <-changes:
		assert.False(t, d.CacheEnabled)
		assert.InDelta(t, 0.55, d.MinRelevanceScore, 1e-9)
		assert.Equal(t, 3, d.MaxContextItems)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	assert.GreaterOrEqual(t, w.Stats().Reloads, 1)
}

func TestWatcher_InvalidFileKeepsPreviousSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, DefaultConfig())

	changes := make(chan Dynamic, 4)
	w, err := NewWatcher(path, zap.NewNop(), func(d Dynamic) {
		changes <- d
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("cache: [broken"), 0644))

	require.Eventually(t, func() bool {
		return w.Stats().Errors >= 1
	}, 5*time.Second, 50*time.Millisecond, "expected reload error to be recorded")

	assert.Empty(t, changes, "invalid config must not reach the callback")
	assert.Equal(t, 0, w.Stats().Reloads)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, DefaultConfig())

	changes := make(chan Dynamic, 4)
	w, err := NewWatcher(path, zap.NewNop(), func(d Dynamic) {
		changes <- d
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644))

	// Give the debounce window time to fire if it was going to.
	time.Sleep(time.Second)
	assert.Empty(t, changes)
	assert.Equal(t, 0, w.Stats().Reloads)
}

func TestWatcher_StartStopIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, DefaultConfig())

	w, err := NewWatcher(path, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx), "second Start must be a no-op")
	assert.True(t, w.IsWatching())

	w.Stop()
	w.Stop() // Second Stop must not panic or block.
	assert.False(t, w.IsWatching())
}
