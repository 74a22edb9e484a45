package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/driveq/driveq/internal/filex"
	"github.com/driveq/driveq/internal/models"
	"github.com/driveq/driveq/internal/repositories/items"
	"github.com/google/uuid"
)

// favoriteOn marks a queued favorite operation as setting the flag; any
// other destination value clears it.
const favoriteOn = "1"

// UploadRequest describes a file to publish.
type UploadRequest struct {
	ServerURL string
	FileName  string
	// LocalPath is copied into the staging area, so the caller's file may
	// change or disappear after enqueueing.
	LocalPath string
	Lane      models.Lane
	Selector  string
	Encrypted bool
	Overwrite bool
	Modified  time.Time
	AssetID   string
}

// EnqueueUpload stages the local file and queues it for upload. A pending
// operation on the same path is superseded.
func (p *Pipeline) EnqueueUpload(ctx context.Context, req UploadRequest) (*models.TransferItem, error) {
	transferID := uuid.NewString()
	staged := filex.StagingPath(p.cfg.DataDir, transferID, path.Base(req.FileName))
	if _, err := filex.EnsureDir(filepath.Dir(staged)); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	if err := filex.CopyFile(req.LocalPath, staged); err != nil {
		return nil, fmt.Errorf("staging %s: %w", req.LocalPath, err)
	}

	item := &models.TransferItem{
		TransferID:  transferID,
		ServerURL:   req.ServerURL,
		FileName:    req.FileName,
		Lane:        laneOrDefault(req.Lane),
		Status:      models.StatusWaitUpload,
		Selector:    req.Selector,
		Size:        filex.SizeOnDisk(staged),
		Modified:    req.Modified,
		Encrypted:   req.Encrypted,
		Overwrite:   req.Overwrite,
		AssetID:     req.AssetID,
		SessionDate: time.Now(),
	}
	if err := p.enqueue(ctx, item); err != nil {
		os.RemoveAll(filepath.Dir(staged))
		return nil, err
	}
	return item, nil
}

// EnqueueDownload queues a fetch of the remote file into the local cache.
func (p *Pipeline) EnqueueDownload(ctx context.Context, serverURL, fileName string, lane models.Lane, selector string) (*models.TransferItem, error) {
	return p.enqueueSimple(ctx, serverURL, fileName, lane, models.StatusWaitDownload, func(item *models.TransferItem) {
		item.Selector = selector
	})
}

// EnqueueCreateFolder queues a folder creation.
func (p *Pipeline) EnqueueCreateFolder(ctx context.Context, serverURL, folderPath string, lane models.Lane) (*models.TransferItem, error) {
	return p.enqueueSimple(ctx, serverURL, folderPath, lane, models.StatusWaitCreateFolder, nil)
}

// EnqueueDelete queues a remote deletion.
func (p *Pipeline) EnqueueDelete(ctx context.Context, serverURL, fileName string, lane models.Lane, encrypted bool) (*models.TransferItem, error) {
	return p.enqueueSimple(ctx, serverURL, fileName, lane, models.StatusWaitDelete, func(item *models.TransferItem) {
		item.Encrypted = encrypted
	})
}

// EnqueueRename queues a rename within the same folder. newName is the
// bare name, not a path.
func (p *Pipeline) EnqueueRename(ctx context.Context, serverURL, fileName, newName string, lane models.Lane, encrypted bool) (*models.TransferItem, error) {
	dest := path.Join(path.Dir(fileName), newName)
	return p.enqueueSimple(ctx, serverURL, fileName, lane, models.StatusWaitRename, func(item *models.TransferItem) {
		item.Destination = dest
		item.Encrypted = encrypted
	})
}

// EnqueueMove queues a relocation to another folder.
func (p *Pipeline) EnqueueMove(ctx context.Context, serverURL, fileName, destination string, lane models.Lane, overwrite bool) (*models.TransferItem, error) {
	return p.enqueueSimple(ctx, serverURL, fileName, lane, models.StatusWaitMove, func(item *models.TransferItem) {
		item.Destination = destination
		item.Overwrite = overwrite
	})
}

// EnqueueCopy queues a server-side copy.
func (p *Pipeline) EnqueueCopy(ctx context.Context, serverURL, fileName, destination string, lane models.Lane, overwrite bool) (*models.TransferItem, error) {
	return p.enqueueSimple(ctx, serverURL, fileName, lane, models.StatusWaitCopy, func(item *models.TransferItem) {
		item.Destination = destination
		item.Overwrite = overwrite
	})
}

// EnqueueFavorite queues a favorite-flag change.
func (p *Pipeline) EnqueueFavorite(ctx context.Context, serverURL, fileName string, favorite bool, lane models.Lane) (*models.TransferItem, error) {
	return p.enqueueSimple(ctx, serverURL, fileName, lane, models.StatusWaitFavorite, func(item *models.TransferItem) {
		if favorite {
			item.Destination = favoriteOn
		}
	})
}

func (p *Pipeline) enqueueSimple(ctx context.Context, serverURL, fileName string, lane models.Lane, status models.Status, customize func(*models.TransferItem)) (*models.TransferItem, error) {
	item := &models.TransferItem{
		TransferID:  uuid.NewString(),
		ServerURL:   serverURL,
		FileName:    fileName,
		Lane:        laneOrDefault(lane),
		Status:      status,
		SessionDate: time.Now(),
	}
	if customize != nil {
		customize(item)
	}
	if err := p.enqueue(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// enqueue replaces any pending operation on the path and persists the new
// item, then nudges the pass loop. A transfer already running on the path
// is interrupted through its registry context so the old attempt and the
// new request never move bytes concurrently.
func (p *Pipeline) enqueue(ctx context.Context, item *models.TransferItem) error {
	prior, err := p.deps.Items.Query(ctx, items.Filter{
		ServerURL:       item.ServerURL,
		FileName:        item.FileName,
		ExcludeStatuses: []models.Status{models.StatusNormal},
	})
	if err != nil {
		return fmt.Errorf("listing pending operations: %w", err)
	}
	for _, old := range prior {
		if p.deps.Registry.Cancel(old.StableID()) {
			p.deps.Log.Info(ctx, "running transfer superseded",
				"transferID", old.TransferID, "file", old.FileName)
		}
	}
	if err := p.deps.Items.Supersede(ctx, item.ServerURL, item.FileName); err != nil {
		return fmt.Errorf("superseding pending operations: %w", err)
	}
	if err := p.deps.Items.Upsert(ctx, item); err != nil {
		return fmt.Errorf("enqueueing %s: %w", item.FileName, err)
	}
	p.deps.Log.Info(ctx, "operation queued",
		"transferID", item.TransferID, "file", item.FileName, "status", item.Status, "lane", item.Lane)
	p.notifyItem(item)
	p.Kick()
	return nil
}

// Cancel withdraws a queued or running operation. A running transfer is
// interrupted through its registry context.
func (p *Pipeline) Cancel(ctx context.Context, transferID string) error {
	item, err := p.deps.Items.GetByTransferID(ctx, transferID)
	if err != nil {
		return err
	}
	if p.deps.Registry.Cancel(item.StableID()) {
		p.deps.Log.Info(ctx, "running transfer interrupted", "transferID", transferID)
	}
	if p.deps.Uploader != nil {
		if err := p.deps.Uploader.Abort(ctx, item.StableID()); err != nil {
			p.deps.Log.Error(ctx, "dropping chunk manifest failed", "transferID", transferID, "error", err)
		}
	}
	return p.withdraw(ctx, item)
}

// Retry clears the parked error state so the next pass picks the item up
// again.
func (p *Pipeline) Retry(ctx context.Context, transferID string) error {
	item, err := p.deps.Items.GetByTransferID(ctx, transferID)
	if err != nil {
		return err
	}
	if !item.Status.Failed() {
		return fmt.Errorf("item %s is not in an error state", transferID)
	}
	wait := item.Status.WaitState()
	if err := p.deps.Items.SetStatus(ctx, transferID, wait, time.Time{}); err != nil {
		return err
	}
	item.Status = wait
	item.RetryAt = time.Time{}
	p.notifyItem(item)
	p.Kick()
	return nil
}

func laneOrDefault(lane models.Lane) models.Lane {
	if lane == "" {
		return models.LaneForeground
	}
	return lane
}
