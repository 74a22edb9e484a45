package config

import "time"

// Config holds runtime settings for the driveq transfer engine.
type Config struct {
	// Metadata repository.
	DatabaseBackend string // "sqlite" or "postgres"
	DatabaseDSN     string

	// App-shared data directory (snapshot stores, chunk staging, cache).
	DataDir string

	// Remote file service.
	RemoteKind     string // "webdav" or "s3"
	RemoteBaseURL  string
	RemoteToken    string
	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3BaseEndpoint string

	// Scheduler.
	MaxConcurrentTransfers int
	PollIntervalFast       time.Duration
	PollIntervalSlow       time.Duration
	RetryCoolDown          time.Duration

	// Chunked upload part sizes by network class.
	ChunkSizeWifi     int64
	ChunkSizeCellular int64

	// Write-behind stores.
	StoreFlushCount    int
	StoreFlushInterval time.Duration

	// End-to-end encryption passphrase; prompted for interactively when
	// empty and an encrypted folder is touched.
	E2EEPassphrase string

	// Auto-upload. MediaDir empty disables the media watcher.
	MediaDir           string
	AutoUploadFolder   string
	AutoUploadRemove   bool
	AutoUploadInterval time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabaseBackend = "sqlite"
	c.DatabaseDSN = "driveq.db"
	c.DataDir = "driveq-data"
	c.RemoteKind = "webdav"
	c.RemoteBaseURL = "http://127.0.0.1:8080/remote.php/dav"
	c.MaxConcurrentTransfers = 5
	c.PollIntervalFast = 2 * time.Second
	c.PollIntervalSlow = 30 * time.Second
	c.RetryCoolDown = 5 * time.Minute
	c.ChunkSizeWifi = 10 * 1024 * 1024
	c.ChunkSizeCellular = 1 * 1024 * 1024
	c.StoreFlushCount = 50
	c.StoreFlushInterval = 3 * time.Second
	c.AutoUploadFolder = "/auto-upload"
	c.AutoUploadInterval = time.Minute
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
