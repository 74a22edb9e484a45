// Package reconcile detects zombie transfers: items persisted as actively
// uploading or downloading whose transport task no longer exists, typically
// after a crash or forced kill. Zombies with their local artifact still on
// disk are re-queued; zombies without one are withdrawn and their cache
// remnants purged.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/driveq/driveq/internal/filex"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/models"
	"github.com/driveq/driveq/internal/registry"
	"github.com/driveq/driveq/internal/remote"
	"github.com/driveq/driveq/internal/repositories/items"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Reconciler sweeps all transport lanes for zombie transfers.
type Reconciler struct {
	items   items.Repository
	remote  remote.Service
	reg     *registry.Registry
	log     logging.Logger
	dataDir string

	group singleflight.Group
}

func New(repo items.Repository, rem remote.Service, reg *registry.Registry, dataDir string, log logging.Logger) *Reconciler {
	return &Reconciler{
		items:   repo,
		remote:  rem,
		reg:     reg,
		log:     log,
		dataDir: dataDir,
	}
}

// Sweep reconciles every lane. Concurrent calls coalesce into one sweep;
// the duplicate caller gets the shared result.
func (r *Reconciler) Sweep(ctx context.Context) error {
	_, err, _ := r.group.Do("sweep", func() (any, error) {
		return nil, r.sweepAll(ctx)
	})
	return err
}

func (r *Reconciler) sweepAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, lane := range models.Lanes() {
		g.Go(func() error {
			return r.sweepLane(ctx, lane)
		})
	}
	return g.Wait()
}

func (r *Reconciler) sweepLane(ctx context.Context, lane models.Lane) error {
	live, err := r.remote.LiveTasks(ctx, lane)
	if err != nil {
		return fmt.Errorf("listing live tasks on %s: %w", lane, err)
	}
	liveSet := make(map[int]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	actives, err := r.items.Query(ctx, items.Filter{
		Statuses: []models.Status{models.StatusUploading, models.StatusDownloading},
		Lane:     lane,
	})
	if err != nil {
		return fmt.Errorf("listing active items on %s: %w", lane, err)
	}

	for _, item := range actives {
		if err := ctx.Err(); err != nil {
			return err
		}
		// a transfer this process is driving is not a zombie even if the
		// transport has not assigned its task yet
		if r.reg.Active(item.StableID()) {
			continue
		}
		if _, alive := liveSet[item.TaskID]; alive {
			continue
		}
		if err := r.resolve(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// resolve either re-queues the zombie or withdraws it, depending on
// whether its local artifact survived.
func (r *Reconciler) resolve(ctx context.Context, item *models.TransferItem) error {
	artifact := r.artifactPath(item)
	if filex.SizeOnDisk(artifact) > 0 {
		wait := item.Status.WaitState()
		r.log.Info(ctx, "re-queueing zombie transfer",
			"transferID", item.TransferID, "file", item.FileName, "status", wait)
		if err := r.items.SetStatus(ctx, item.TransferID, wait, time.Time{}); err != nil {
			return fmt.Errorf("re-queueing %s: %w", item.TransferID, err)
		}
		return nil
	}

	r.log.Warn(ctx, "withdrawing zombie transfer without artifact",
		"transferID", item.TransferID, "file", item.FileName)
	if err := r.items.DeleteByTransferID(ctx, item.TransferID); err != nil {
		return fmt.Errorf("withdrawing %s: %w", item.TransferID, err)
	}
	os.RemoveAll(filex.ChunkDir(r.dataDir, item.StableID()))
	os.RemoveAll(path.Dir(filex.CachePath(r.dataDir, item.StableID(), item.FileName)))
	return nil
}

// artifactPath is where the transfer's local bytes should be: the staged
// source for uploads, the cache destination for downloads.
func (r *Reconciler) artifactPath(item *models.TransferItem) string {
	if item.Status == models.StatusUploading {
		return filex.StagingPath(r.dataDir, item.TransferID, path.Base(item.FileName))
	}
	return filex.CachePath(r.dataDir, item.StableID(), path.Base(item.FileName))
}
