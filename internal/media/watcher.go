package media

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/driveq/driveq/internal/dispatch"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/models"
	"github.com/driveq/driveq/internal/pipeline"
	"github.com/driveq/driveq/internal/repositories/items"
)

// Queue is the slice of the pipeline the watcher enqueues into.
type Queue interface {
	EnqueueUpload(ctx context.Context, req pipeline.UploadRequest) (*models.TransferItem, error)
}

// WatcherConfig tells the watcher where assets go.
type WatcherConfig struct {
	ServerURL string
	// DestFolder is the remote folder auto-uploads land in.
	DestFolder string
	Lane       models.Lane
	// RemoveAfterUpload deletes the local asset once the server confirms
	// the upload.
	RemoveAfterUpload bool
	Interval          time.Duration
}

// Watcher periodically enumerates a Source and queues every asset it has
// not seen before as an auto-upload.
type Watcher struct {
	source Source
	queue  Queue
	repo   items.Repository
	disp   *dispatch.Dispatcher
	log    logging.Logger
	cfg    WatcherConfig

	mu   sync.Mutex
	seen map[string]struct{}

	observer string
}

func NewWatcher(source Source, queue Queue, repo items.Repository, disp *dispatch.Dispatcher, log logging.Logger, cfg WatcherConfig) *Watcher {
	if cfg.Lane == "" {
		cfg.Lane = models.LaneBackgroundWWAN
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Watcher{
		source: source,
		queue:  queue,
		repo:   repo,
		disp:   disp,
		log:    log,
		cfg:    cfg,
		seen:   make(map[string]struct{}),
	}
}

// Start subscribes the watcher to upload completions so finished assets
// can be cleaned up locally.
func (w *Watcher) Start() {
	if !w.cfg.RemoveAfterUpload {
		return
	}
	w.observer = w.disp.Register(dispatch.SceneAll, func(ev dispatch.Event) {
		if ev.Kind != dispatch.KindItemUpdated || ev.Item == nil {
			return
		}
		if ev.Item.Status != models.StatusNormal || ev.Item.AssetID == "" {
			return
		}
		ctx := context.Background()
		if err := w.source.Remove(ctx, ev.Item.AssetID); err != nil {
			w.log.Error(ctx, "removing uploaded asset failed", "assetID", ev.Item.AssetID, "error", err)
			return
		}
		w.log.Debug(ctx, "uploaded asset removed", "assetID", ev.Item.AssetID)
	})
}

func (w *Watcher) Close() {
	if w.observer != "" {
		w.disp.Unregister(w.observer)
		w.observer = ""
	}
}

// Run syncs once, then on every tick until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := w.Sync(ctx); err != nil {
			w.log.Error(ctx, "media sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sync enumerates the source and enqueues every asset that is neither
// queued already nor seen by this process before.
func (w *Watcher) Sync(ctx context.Context) error {
	assets, err := w.source.Enumerate(ctx)
	if err != nil {
		return err
	}

	tracked, err := w.repo.Query(ctx, items.Filter{Selector: models.SelectorAutoUpload})
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(tracked))
	for _, item := range tracked {
		if item.AssetID != "" {
			known[item.AssetID] = struct{}{}
		}
	}

	for _, asset := range assets {
		if _, ok := known[asset.ID]; ok {
			continue
		}
		w.mu.Lock()
		_, dup := w.seen[asset.ID]
		if !dup {
			w.seen[asset.ID] = struct{}{}
		}
		w.mu.Unlock()
		if dup {
			continue
		}

		local, err := w.source.Content(ctx, asset.ID)
		if err != nil {
			w.log.Error(ctx, "reading asset failed", "assetID", asset.ID, "error", err)
			continue
		}
		_, err = w.queue.EnqueueUpload(ctx, pipeline.UploadRequest{
			ServerURL: w.cfg.ServerURL,
			FileName:  path.Join(w.cfg.DestFolder, asset.Name),
			LocalPath: local,
			Lane:      w.cfg.Lane,
			Selector:  models.SelectorAutoUpload,
			Modified:  asset.Modified,
			AssetID:   asset.ID,
		})
		if err != nil {
			w.log.Error(ctx, "queueing auto-upload failed", "assetID", asset.ID, "error", err)
			w.mu.Lock()
			delete(w.seen, asset.ID)
			w.mu.Unlock()
			continue
		}
		w.log.Info(ctx, "asset queued for auto-upload", "assetID", asset.ID, "file", asset.Name)
	}
	return nil
}
