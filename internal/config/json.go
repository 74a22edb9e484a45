package config

import (
	"encoding/json"
	"os"

	"github.com/driveq/driveq/internal/flagx"
	"github.com/driveq/driveq/internal/timex"
)

// JsonConfig is the intermediate DTO for JSON configuration files. Interval
// fields use timex.Duration so both "30s" strings and integer nanoseconds
// parse. Values present in the file overwrite the running Config.
type JsonConfig struct {
	DatabaseBackend        string         `json:"database_backend"`
	DatabaseDSN            string         `json:"database_dsn"`
	DataDir                string         `json:"data_dir"`
	RemoteKind             string         `json:"remote_kind"`
	RemoteBaseURL          string         `json:"remote_base_url"`
	RemoteToken            string         `json:"remote_token"`
	S3Bucket               string         `json:"s3_bucket"`
	S3Region               string         `json:"s3_region"`
	S3AccessKey            string         `json:"s3_access_key"`
	S3SecretKey            string         `json:"s3_secret_key"`
	S3BaseEndpoint         string         `json:"s3_base_endpoint"`
	MaxConcurrentTransfers int            `json:"max_concurrent_transfers"`
	PollIntervalFast       timex.Duration `json:"poll_interval_fast"`
	PollIntervalSlow       timex.Duration `json:"poll_interval_slow"`
	RetryCoolDown          timex.Duration `json:"retry_cool_down"`
	ChunkSizeWifi          int64          `json:"chunk_size_wifi"`
	ChunkSizeCellular      int64          `json:"chunk_size_cellular"`
	StoreFlushCount        int            `json:"store_flush_count"`
	StoreFlushInterval     timex.Duration `json:"store_flush_interval"`
	E2EEPassphrase         string         `json:"e2ee_passphrase"`
	MediaDir               string         `json:"media_dir"`
	AutoUploadFolder       string         `json:"auto_upload_folder"`
	AutoUploadRemove       bool           `json:"auto_upload_remove"`
	AutoUploadInterval     timex.Duration `json:"auto_upload_interval"`
}

// parseJson loads configuration values from the JSON file named by the
// -c/-config flags into config. Missing file path means nothing is loaded;
// an unreadable or invalid file panics, matching startup-fatal semantics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigFileFlag()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		panic(err)
	}

	if c.DatabaseBackend != "" {
		config.DatabaseBackend = c.DatabaseBackend
	}
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.DataDir != "" {
		config.DataDir = c.DataDir
	}
	if c.RemoteKind != "" {
		config.RemoteKind = c.RemoteKind
	}
	if c.RemoteBaseURL != "" {
		config.RemoteBaseURL = c.RemoteBaseURL
	}
	if c.RemoteToken != "" {
		config.RemoteToken = c.RemoteToken
	}
	if c.S3Bucket != "" {
		config.S3Bucket = c.S3Bucket
	}
	if c.S3Region != "" {
		config.S3Region = c.S3Region
	}
	if c.S3AccessKey != "" {
		config.S3AccessKey = c.S3AccessKey
	}
	if c.S3SecretKey != "" {
		config.S3SecretKey = c.S3SecretKey
	}
	if c.S3BaseEndpoint != "" {
		config.S3BaseEndpoint = c.S3BaseEndpoint
	}
	if c.MaxConcurrentTransfers > 0 {
		config.MaxConcurrentTransfers = c.MaxConcurrentTransfers
	}
	if c.PollIntervalFast.Duration > 0 {
		config.PollIntervalFast = c.PollIntervalFast.Duration
	}
	if c.PollIntervalSlow.Duration > 0 {
		config.PollIntervalSlow = c.PollIntervalSlow.Duration
	}
	if c.RetryCoolDown.Duration > 0 {
		config.RetryCoolDown = c.RetryCoolDown.Duration
	}
	if c.ChunkSizeWifi > 0 {
		config.ChunkSizeWifi = c.ChunkSizeWifi
	}
	if c.ChunkSizeCellular > 0 {
		config.ChunkSizeCellular = c.ChunkSizeCellular
	}
	if c.StoreFlushCount > 0 {
		config.StoreFlushCount = c.StoreFlushCount
	}
	if c.StoreFlushInterval.Duration > 0 {
		config.StoreFlushInterval = c.StoreFlushInterval.Duration
	}
	if c.E2EEPassphrase != "" {
		config.E2EEPassphrase = c.E2EEPassphrase
	}
	if c.MediaDir != "" {
		config.MediaDir = c.MediaDir
	}
	if c.AutoUploadFolder != "" {
		config.AutoUploadFolder = c.AutoUploadFolder
	}
	if c.AutoUploadRemove {
		config.AutoUploadRemove = true
	}
	if c.AutoUploadInterval.Duration > 0 {
		config.AutoUploadInterval = c.AutoUploadInterval.Duration
	}
}
