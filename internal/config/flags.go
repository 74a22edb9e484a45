package config

import (
	"flag"
	"os"

	"github.com/driveq/driveq/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-dsn string    metadata database DSN
//	-db string     metadata backend, "sqlite" or "postgres"
//	-data string   app-shared data directory
//	-remote string remote base URL
//	-kind string   remote adapter, "webdav" or "s3"
//	-n int         maximum concurrent transfers
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-dsn", "-db", "-data", "-remote", "-kind", "-n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "metadata database DSN")
	fs.StringVar(&cfg.DatabaseBackend, "db", cfg.DatabaseBackend, "metadata backend (sqlite|postgres)")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "app-shared data directory")
	fs.StringVar(&cfg.RemoteBaseURL, "remote", cfg.RemoteBaseURL, "remote base URL")
	fs.StringVar(&cfg.RemoteKind, "kind", cfg.RemoteKind, "remote adapter (webdav|s3)")
	fs.IntVar(&cfg.MaxConcurrentTransfers, "n", cfg.MaxConcurrentTransfers, "maximum concurrent transfers")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
