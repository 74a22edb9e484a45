package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/driveq/driveq/internal/config"
	"github.com/driveq/driveq/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DatabaseDSN = filepath.Join(dir, "meta.db")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.RemoteBaseURL = "http://127.0.0.1:0"
	return cfg
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig(t), logging.Nop())
	require.NoError(t, err)

	assert.NotNil(t, e.Pipeline())
	assert.NotNil(t, e.Dispatcher())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "a cancelled run is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	require.NoError(t, e.Close(ctx))
}

func TestEngineWiresMediaWatcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.MediaDir = t.TempDir()

	e, err := New(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer e.Close(context.Background())

	assert.NotNil(t, e.watcher)
}

func TestEngineRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseBackend = "oracle"
	_, err := New(context.Background(), cfg, logging.Nop())
	assert.ErrorContains(t, err, "unknown database backend")
}

func TestEngineRejectsUnknownRemote(t *testing.T) {
	cfg := testConfig(t)
	cfg.RemoteKind = "ftp"
	_, err := New(context.Background(), cfg, logging.Nop())
	assert.ErrorContains(t, err, "unknown remote kind")
}
