package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "sqlite", c.DatabaseBackend)
	assert.Equal(t, "webdav", c.RemoteKind)
	assert.Equal(t, 5, c.MaxConcurrentTransfers)
	assert.Equal(t, 2*time.Second, c.PollIntervalFast)
	assert.Equal(t, 30*time.Second, c.PollIntervalSlow)
	assert.Equal(t, 5*time.Minute, c.RetryCoolDown)
	assert.Equal(t, int64(10*1024*1024), c.ChunkSizeWifi)
	assert.Equal(t, int64(1024*1024), c.ChunkSizeCellular)
	assert.Equal(t, 50, c.StoreFlushCount)
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	cfg := LoadConfig()

	require.NotNil(t, cfg, "LoadConfig must not return nil")
	assert.Equal(t, "sqlite", cfg.DatabaseBackend)
	assert.Equal(t, 5, cfg.MaxConcurrentTransfers)
}

func TestParseJson_OverlaysValues(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "conf.json")
	body := `{
		"database_backend": "postgres",
		"database_dsn": "postgres://localhost/driveq",
		"max_concurrent_transfers": 3,
		"poll_interval_fast": "1s",
		"retry_cool_down": "10m",
		"chunk_size_wifi": 5242880
	}`
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))

	oldArgs := os.Args
	os.Args = []string{"driveqd", "-c", file}
	defer func() { os.Args = oldArgs }()

	var c Config
	c.LoadDefaults()
	parseJson(&c)

	assert.Equal(t, "postgres", c.DatabaseBackend)
	assert.Equal(t, "postgres://localhost/driveq", c.DatabaseDSN)
	assert.Equal(t, 3, c.MaxConcurrentTransfers)
	assert.Equal(t, time.Second, c.PollIntervalFast)
	assert.Equal(t, 10*time.Minute, c.RetryCoolDown)
	assert.Equal(t, int64(5242880), c.ChunkSizeWifi)
	// untouched fields keep their defaults
	assert.Equal(t, 30*time.Second, c.PollIntervalSlow)
	assert.Equal(t, "webdav", c.RemoteKind)
}

func TestParseFlags_Overrides(t *testing.T) {
	oldArgs := os.Args
	os.Args = []string{"driveqd", "-db", "postgres", "-n", "2", "-data", "/tmp/dq"}
	defer func() { os.Args = oldArgs }()

	var c Config
	c.LoadDefaults()
	parseFlags(&c)

	assert.Equal(t, "postgres", c.DatabaseBackend)
	assert.Equal(t, 2, c.MaxConcurrentTransfers)
	assert.Equal(t, "/tmp/dq", c.DataDir)
}
