// Package engine wires the driveq components together. Construction is
// explicit: every collaborator is built here and handed down, nothing is
// reached through package-level state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/driveq/driveq/internal/chunked"
	"github.com/driveq/driveq/internal/config"
	"github.com/driveq/driveq/internal/cryptox"
	"github.com/driveq/driveq/internal/dispatch"
	"github.com/driveq/driveq/internal/e2ee"
	"github.com/driveq/driveq/internal/filex"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/media"
	"github.com/driveq/driveq/internal/netx"
	"github.com/driveq/driveq/internal/pipeline"
	"github.com/driveq/driveq/internal/progress"
	"github.com/driveq/driveq/internal/reconcile"
	"github.com/driveq/driveq/internal/registry"
	"github.com/driveq/driveq/internal/remote"
	"github.com/driveq/driveq/internal/repositories"
	"github.com/driveq/driveq/internal/repositories/chunks"
	"github.com/driveq/driveq/internal/repositories/items"
	"github.com/driveq/driveq/internal/store"
)

// Engine owns the component graph and its lifecycle.
type Engine struct {
	cfg *config.Config
	log logging.Logger

	db      *sql.DB
	chunkDB *sql.DB

	remote     remote.Service
	dispatcher *dispatch.Dispatcher
	transfers  *store.Store
	uploads    *store.Store
	pipeline   *pipeline.Pipeline
	watcher    *media.Watcher
}

// New builds the full component graph from cfg. The caller owns the
// returned Engine and must Close it.
func New(ctx context.Context, cfg *config.Config, log logging.Logger) (*Engine, error) {
	if _, err := filex.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("preparing data dir: %w", err)
	}

	db, itemRepo, err := openItems(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// chunk manifests describe files staged on this device, so they stay
	// in a local sqlite file even when items live in Postgres
	chunkDB := db
	if cfg.DatabaseBackend != "sqlite" {
		chunkDB, err = repositories.OpenSQLite(ctx, filepath.Join(cfg.DataDir, "chunks.db"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening chunk manifest db: %w", err)
		}
	}

	rem, err := openRemote(ctx, cfg, log)
	if err != nil {
		db.Close()
		if chunkDB != db {
			chunkDB.Close()
		}
		return nil, err
	}

	dispatcher := dispatch.New(256)
	reg := registry.New()
	quantizer := progress.NewQuantizer()
	monitor := &netx.InterfaceMonitor{}

	storeOpts := store.Options{FlushCount: cfg.StoreFlushCount, FlushEvery: cfg.StoreFlushInterval}
	transfers, err := store.Open(filex.SnapshotPath(cfg.DataDir, "transfers"), log, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("opening transfer snapshots: %w", err)
	}
	uploads, err := store.Open(filex.SnapshotPath(cfg.DataDir, "uploads"), log, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("opening upload snapshots: %w", err)
	}

	uploader := chunked.New(chunked.Config{
		Remote:        rem,
		Manifests:     chunks.NewSQLiteRepository(chunkDB),
		Monitor:       monitor,
		Log:           log,
		DataDir:       cfg.DataDir,
		ChunkWifi:     cfg.ChunkSizeWifi,
		ChunkCellular: cfg.ChunkSizeCellular,
	})

	var crypto *e2ee.Coordinator
	if cfg.E2EEPassphrase != "" {
		cipher := cryptox.NewCipherFromPassphrase([]byte(cfg.E2EEPassphrase), []byte(cfg.RemoteBaseURL))
		crypto = e2ee.New(rem, cipher, log)
	}

	pipe := pipeline.New(pipeline.Deps{
		Items:      itemRepo,
		Remote:     rem,
		Uploader:   uploader,
		Crypto:     crypto,
		Registry:   reg,
		Quantizer:  quantizer,
		Dispatcher: dispatcher,
		Reconciler: reconcile.New(itemRepo, rem, reg, cfg.DataDir, log),
		Monitor:    monitor,
		Transfers:  transfers,
		Uploads:    uploads,
		Log:        log,
	}, pipeline.Config{
		Budget:        cfg.MaxConcurrentTransfers,
		FastInterval:  cfg.PollIntervalFast,
		SlowInterval:  cfg.PollIntervalSlow,
		RetryCoolDown: cfg.RetryCoolDown,
		DataDir:       cfg.DataDir,
	})

	var watcher *media.Watcher
	if cfg.MediaDir != "" {
		watcher = media.NewWatcher(media.NewDirSource(cfg.MediaDir), pipe, itemRepo, dispatcher, log, media.WatcherConfig{
			ServerURL:         cfg.RemoteBaseURL,
			DestFolder:        cfg.AutoUploadFolder,
			RemoveAfterUpload: cfg.AutoUploadRemove,
			Interval:          cfg.AutoUploadInterval,
		})
	}

	return &Engine{
		cfg:        cfg,
		log:        log,
		db:         db,
		chunkDB:    chunkDB,
		remote:     rem,
		dispatcher: dispatcher,
		transfers:  transfers,
		uploads:    uploads,
		pipeline:   pipe,
		watcher:    watcher,
	}, nil
}

func openItems(ctx context.Context, cfg *config.Config) (*sql.DB, items.Repository, error) {
	switch cfg.DatabaseBackend {
	case "sqlite":
		db, err := repositories.OpenSQLite(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return db, items.NewSQLiteRepository(db), nil
	case "postgres":
		db, err := repositories.OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		return db, items.NewPostgresRepository(db), nil
	default:
		return nil, nil, fmt.Errorf("unknown database backend %q", cfg.DatabaseBackend)
	}
}

func openRemote(ctx context.Context, cfg *config.Config, log logging.Logger) (remote.Service, error) {
	switch cfg.RemoteKind {
	case "webdav":
		return remote.NewWebDAVClient(cfg.RemoteBaseURL, &remote.StaticTokenSource{Value: cfg.RemoteToken}, log), nil
	case "s3":
		return remote.NewS3Client(ctx, remote.S3Options{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			BaseEndpoint: cfg.S3BaseEndpoint,
		}, log)
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.RemoteKind)
	}
}

// Pipeline exposes the queue surface (enqueue, cancel, retry).
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Dispatcher exposes observer registration.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Run drives the pass loop and the media watcher until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pipeline.Run(gctx) })
	if e.watcher != nil {
		e.watcher.Start()
		g.Go(func() error { return e.watcher.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close flushes buffered state and releases every resource. Safe to call
// after Run returns.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.watcher != nil {
		e.watcher.Close()
	}
	if err := e.pipeline.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing pipeline: %w", err))
	}
	if err := e.transfers.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.uploads.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.chunkDB != e.db {
		if err := e.chunkDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
