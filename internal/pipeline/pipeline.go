// Package pipeline drives queued file operations to completion. A periodic
// pass flushes buffered upload completions, reconciles zombie transfers,
// reports the pending count, applies metadata operations in a fixed order,
// and then starts as many uploads and downloads as the concurrency budget
// allows. Failures are classified: transient ones re-queue the item behind
// a cool-down, terminal ones park or withdraw it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driveq/driveq/internal/chunked"
	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/cryptox"
	"github.com/driveq/driveq/internal/dispatch"
	"github.com/driveq/driveq/internal/e2ee"
	"github.com/driveq/driveq/internal/filex"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/models"
	"github.com/driveq/driveq/internal/netx"
	"github.com/driveq/driveq/internal/progress"
	"github.com/driveq/driveq/internal/reconcile"
	"github.com/driveq/driveq/internal/registry"
	"github.com/driveq/driveq/internal/remote"
	"github.com/driveq/driveq/internal/repositories/items"
	"github.com/driveq/driveq/internal/store"
)

// Config tunes the pass loop.
type Config struct {
	// Budget caps concurrently running uploads plus downloads.
	Budget int
	// FastInterval is the tick period while work is pending; SlowInterval
	// applies when the queue is idle.
	FastInterval time.Duration
	SlowInterval time.Duration
	// RetryCoolDown delays re-pickup after a transient failure.
	RetryCoolDown time.Duration
	DataDir       string
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Items      items.Repository
	Remote     remote.Service
	Uploader   *chunked.Uploader
	Crypto     *e2ee.Coordinator
	Registry   *registry.Registry
	Quantizer  *progress.Quantizer
	Dispatcher *dispatch.Dispatcher
	Reconciler *reconcile.Reconciler
	Monitor    netx.Monitor
	Transfers  *store.Store
	Uploads    *store.Store
	Log        logging.Logger
}

type completedUpload struct {
	oldTransferID string
	item          *models.TransferItem
}

// Pipeline owns the pass loop and the transfer goroutines it spawns.
type Pipeline struct {
	deps Deps
	cfg  Config

	kick    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	mu        sync.Mutex
	completed []completedUpload

	// quotaFree is the last probed free quota; negative means unknown.
	quotaFree atomic.Int64
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.Budget <= 0 {
		cfg.Budget = 5
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = 2 * time.Second
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = 30 * time.Second
	}
	if cfg.RetryCoolDown <= 0 {
		cfg.RetryCoolDown = 5 * time.Minute
	}
	p := &Pipeline{
		deps: deps,
		cfg:  cfg,
		kick: make(chan struct{}, 1),
	}
	p.quotaFree.Store(-1)
	return p
}

// Kick requests a pass outside the regular tick, e.g. right after an
// enqueue.
func (p *Pipeline) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run executes passes until ctx ends, then waits for in-flight transfers
// to stop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.deps.Log.Info(ctx, "pipeline starting",
		"budget", p.cfg.Budget, "fast", p.cfg.FastInterval, "slow", p.cfg.SlowInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.deps.Registry.CancelAll()
			p.wg.Wait()
			return ctx.Err()
		case <-p.kick:
		case <-timer.C:
		}

		pending := p.Pass(ctx)

		interval := p.cfg.SlowInterval
		if pending > 0 {
			interval = p.cfg.FastInterval
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// Pass runs one full pass and returns the number of items still pending.
// A pass already in flight makes this a no-op.
func (p *Pipeline) Pass(ctx context.Context) int {
	if !p.running.CompareAndSwap(false, true) {
		return -1
	}
	defer p.running.Store(false)

	p.flushCompleted(ctx)

	if err := p.deps.Reconciler.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.deps.Log.Error(ctx, "zombie sweep failed", "error", err)
	}

	pending := p.pendingCount(ctx)
	p.deps.Dispatcher.Notify(dispatch.Event{
		Kind:    dispatch.KindPendingCount,
		Pending: pending,
		Busy:    p.deps.Registry.Len() > 0,
	})

	p.runMetadataVerbs(ctx)
	p.runTransfers(ctx)
	return pending
}

// flushCompleted lands buffered upload completions in the repository in
// one transaction.
func (p *Pipeline) flushCompleted(ctx context.Context) {
	p.mu.Lock()
	done := p.completed
	p.completed = nil
	p.mu.Unlock()
	if len(done) == 0 {
		return
	}

	removeIDs := make([]string, 0, len(done))
	newItems := make([]*models.TransferItem, 0, len(done))
	for _, c := range done {
		removeIDs = append(removeIDs, c.oldTransferID)
		newItems = append(newItems, c.item)
	}
	if err := p.deps.Items.BatchReplace(ctx, removeIDs, newItems); err != nil {
		p.deps.Log.Error(ctx, "flushing completed uploads failed", "count", len(done), "error", err)
		p.mu.Lock()
		p.completed = append(done, p.completed...)
		p.mu.Unlock()
		return
	}
	p.deps.Log.Debug(ctx, "completed uploads flushed", "count", len(done))
}

func (p *Pipeline) pendingCount(ctx context.Context) int {
	pending, err := p.deps.Items.Query(ctx, items.Filter{
		ExcludeStatuses: []models.Status{models.StatusNormal},
	})
	if err != nil {
		p.deps.Log.Error(ctx, "pending count failed", "error", err)
		return 0
	}
	p.mu.Lock()
	buffered := len(p.completed)
	p.mu.Unlock()
	return len(pending) + buffered
}

// verbOrder fixes the sequence metadata operations run in within a pass.
// Folder creation precedes everything that may target the new folder;
// deletions run last so they cannot race an operation on the same path.
var verbOrder = []models.Status{
	models.StatusWaitCreateFolder,
	models.StatusWaitCopy,
	models.StatusWaitMove,
	models.StatusWaitFavorite,
	models.StatusWaitRename,
	models.StatusWaitDelete,
}

// runMetadataVerbs applies queued metadata operations verb by verb. The
// first failure stops the remaining verbs for this pass so ordering
// guarantees hold; the failed item itself is classified and parked.
func (p *Pipeline) runMetadataVerbs(ctx context.Context) {
	now := time.Now()
	for _, verb := range verbOrder {
		queued, err := p.deps.Items.Query(ctx, items.Filter{Statuses: []models.Status{verb}})
		if err != nil {
			p.deps.Log.Error(ctx, "listing queued operations failed", "verb", verb, "error", err)
			return
		}
		for _, item := range queued {
			if !item.Ready(now) || p.deps.Registry.Active(item.StableID()) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return
			}
			if err := p.applyVerb(ctx, item); err != nil {
				p.fail(ctx, item, err)
				return
			}
		}
	}
}

func (p *Pipeline) applyVerb(ctx context.Context, item *models.TransferItem) error {
	switch item.Status {
	case models.StatusWaitCreateFolder:
		id, err := p.deps.Remote.CreateFolder(ctx, item.FileName)
		if err != nil && !errors.Is(err, common.ErrAlreadyExists) {
			return err
		}
		if id != "" {
			item.ID = id
		}
		return p.complete(ctx, item)

	case models.StatusWaitCopy:
		if err := p.deps.Remote.Copy(ctx, item.FileName, item.Destination, item.Overwrite); err != nil {
			return err
		}
		return p.complete(ctx, item)

	case models.StatusWaitMove:
		if err := p.deps.Remote.Move(ctx, item.FileName, item.Destination, item.Overwrite); err != nil {
			return err
		}
		item.FileName, item.Destination = item.Destination, ""
		return p.complete(ctx, item)

	case models.StatusWaitFavorite:
		if err := p.deps.Remote.SetFavorite(ctx, item.FileName, item.Destination == favoriteOn); err != nil {
			return err
		}
		return p.complete(ctx, item)

	case models.StatusWaitRename:
		if item.Encrypted && p.deps.Crypto != nil {
			folder := path.Dir(item.FileName)
			if err := p.deps.Crypto.RenameFile(ctx, folder, path.Base(item.FileName), path.Base(item.Destination)); err != nil {
				return err
			}
		}
		if err := p.deps.Remote.Move(ctx, item.FileName, item.Destination, false); err != nil {
			return err
		}
		item.FileName, item.Destination = item.Destination, ""
		return p.complete(ctx, item)

	case models.StatusWaitDelete:
		err := p.deps.Remote.Delete(ctx, item.FileName)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if item.Encrypted && p.deps.Crypto != nil {
			folder := path.Dir(item.FileName)
			if err := p.deps.Crypto.RemoveFile(ctx, folder, path.Base(item.FileName)); err != nil {
				p.deps.Log.Error(ctx, "dropping encrypted metadata entry failed",
					"file", item.FileName, "error", err)
			}
		}
		return p.withdraw(ctx, item)

	default:
		return fmt.Errorf("unexpected status %s for %s", item.Status, item.TransferID)
	}
}

// complete marks the operation done and keeps the item as the path's
// terminal record.
func (p *Pipeline) complete(ctx context.Context, item *models.TransferItem) error {
	item.Status = models.StatusNormal
	item.RetryAt = time.Time{}
	if err := p.deps.Items.Upsert(ctx, item); err != nil {
		return fmt.Errorf("completing %s: %w", item.TransferID, err)
	}
	p.notifyItem(item)
	return nil
}

// withdraw removes the item and its local remnants.
func (p *Pipeline) withdraw(ctx context.Context, item *models.TransferItem) error {
	if err := p.deps.Items.DeleteByTransferID(ctx, item.TransferID); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("withdrawing %s: %w", item.TransferID, err)
	}
	id := item.StableID()
	os.RemoveAll(filex.ChunkDir(p.cfg.DataDir, id))
	os.RemoveAll(filepath.Dir(filex.CachePath(p.cfg.DataDir, id, path.Base(item.FileName))))
	os.RemoveAll(filepath.Dir(filex.StagingPath(p.cfg.DataDir, item.TransferID, path.Base(item.FileName))))
	p.deps.Transfers.Delete(item.TransferID)
	p.deps.Uploads.Delete(item.TransferID)
	p.deps.Quantizer.Clear(id)
	p.notifyItem(item)
	return nil
}

// runTransfers schedules downloads first, then uploads, oldest session
// first, within the remaining concurrency budget.
func (p *Pipeline) runTransfers(ctx context.Context) {
	budget := p.cfg.Budget - p.deps.Registry.Len()
	if budget <= 0 {
		return
	}
	class := p.deps.Monitor.Class()
	if !class.Online() {
		return
	}
	now := time.Now()

	downloads, err := p.deps.Items.Query(ctx, items.Filter{Statuses: []models.Status{models.StatusWaitDownload}})
	if err != nil {
		p.deps.Log.Error(ctx, "listing queued downloads failed", "error", err)
		return
	}
	uploads, err := p.deps.Items.Query(ctx, items.Filter{Statuses: []models.Status{models.StatusWaitUpload}})
	if err != nil {
		p.deps.Log.Error(ctx, "listing queued uploads failed", "error", err)
		return
	}
	if len(uploads) > 0 {
		p.probeQuota(ctx)
	}

	for _, item := range append(downloads, uploads...) {
		if budget == 0 {
			return
		}
		if !item.Ready(now) || p.deps.Registry.Active(item.StableID()) {
			continue
		}
		// the restricted lane only runs on unmetered networks
		if item.Lane == models.LaneBackgroundWWAN && class.Metered() {
			continue
		}
		budget--
		upload := item.Status == models.StatusWaitUpload
		p.wg.Add(1)
		go func(item *models.TransferItem) {
			defer p.wg.Done()
			if upload {
				p.performUpload(ctx, item)
			} else {
				p.performDownload(ctx, item)
			}
		}(item)
	}
}

// probeQuota refreshes the free-quota estimate from the root entry.
// Failures leave it unknown, which never blocks an upload.
func (p *Pipeline) probeQuota(ctx context.Context) {
	infos, err := p.deps.Remote.ReadMetadata(ctx, "/", 0)
	if err != nil || len(infos) == 0 {
		p.quotaFree.Store(-1)
		return
	}
	p.quotaFree.Store(infos[0].QuotaFree)
}

func (p *Pipeline) performDownload(ctx context.Context, item *models.TransferItem) {
	key := item.StableID()
	tctx := p.deps.Registry.Begin(ctx, key, item.Lane)
	defer p.deps.Registry.End(key)

	if !p.markActive(ctx, item, models.StatusDownloading, p.deps.Transfers) {
		return
	}

	dest := filex.CachePath(p.cfg.DataDir, key, path.Base(item.FileName))
	if _, err := filex.EnsureDir(filepath.Dir(dest)); err != nil {
		p.fail(ctx, item, err)
		return
	}

	res, err := p.deps.Remote.Download(tctx, item.FileName, dest, p.transferOptions(item, p.deps.Transfers))
	if err != nil {
		p.fail(ctx, item, err)
		return
	}

	item.Status = models.StatusNormal
	item.Etag = res.Etag
	item.Size = res.Length
	item.Progress = 1
	if !res.Modified.IsZero() {
		item.Modified = res.Modified
	}
	if err := p.deps.Items.Upsert(ctx, item); err != nil {
		p.deps.Log.Error(ctx, "recording finished download failed", "transferID", item.TransferID, "error", err)
		return
	}
	p.deps.Transfers.Delete(item.TransferID)
	p.deps.Quantizer.Clear(key)
	p.notifyItem(item)
	p.deps.Log.Info(ctx, "download finished", "file", item.FileName, "size", item.Size)
}

func (p *Pipeline) performUpload(ctx context.Context, item *models.TransferItem) {
	key := item.StableID()
	tctx := p.deps.Registry.Begin(ctx, key, item.Lane)
	defer p.deps.Registry.End(key)

	// camera-roll uploads drop out silently when the destination already
	// exists; the user asked for presence, not replacement
	if item.Selector == models.SelectorAutoUpload && !item.Overwrite {
		if infos, err := p.deps.Remote.ReadMetadata(tctx, item.FileName, 0); err == nil && len(infos) > 0 {
			p.deps.Log.Info(ctx, "auto-upload target already present, dropping", "file", item.FileName)
			if err := p.withdraw(ctx, item); err != nil {
				p.deps.Log.Error(ctx, "withdrawing duplicate auto-upload failed", "error", err)
			}
			return
		}
	}

	if free := p.quotaFree.Load(); free >= 0 && item.Size > free {
		p.fail(ctx, item, fmt.Errorf("upload %s needs %d bytes: %w", item.FileName, item.Size, common.ErrQuotaExceeded))
		return
	}

	if !p.markActive(ctx, item, models.StatusUploading, p.deps.Uploads) {
		return
	}

	local := filex.StagingPath(p.cfg.DataDir, item.TransferID, path.Base(item.FileName))
	headers := map[string]string{}
	if !item.Modified.IsZero() {
		headers["X-OC-Mtime"] = strconv.FormatInt(item.Modified.Unix(), 10)
	}

	res, err := p.deps.Uploader.Upload(tctx, item, local, item.FileName, headers, p.transferOptions(item, p.deps.Uploads))
	if err != nil {
		p.fail(ctx, item, err)
		return
	}

	if item.Encrypted && p.deps.Crypto != nil {
		if err := p.registerEncrypted(ctx, item, res); err != nil {
			p.fail(ctx, item, err)
			return
		}
	}

	finished := *item
	finished.ID = res.ID
	finished.Etag = res.Etag
	finished.Status = models.StatusNormal
	finished.Progress = 1
	finished.RetryAt = time.Time{}
	if !res.Modified.IsZero() {
		finished.Modified = res.Modified
	}

	p.mu.Lock()
	p.completed = append(p.completed, completedUpload{oldTransferID: item.TransferID, item: &finished})
	p.mu.Unlock()

	if item.Selector == models.SelectorKeepLocal {
		p.retainLocalCopy(ctx, &finished, local)
	}
	os.RemoveAll(filepath.Dir(local))
	p.deps.Uploads.Delete(item.TransferID)
	p.deps.Quantizer.Clear(key)
	p.notifyItem(&finished)
	p.deps.Log.Info(ctx, "upload finished", "file", item.FileName, "size", item.Size)
}

// retainLocalCopy keeps the uploaded bytes in the cache under the final
// server id when the selector asks for local retention.
func (p *Pipeline) retainLocalCopy(ctx context.Context, item *models.TransferItem, local string) {
	dest := filex.CachePath(p.cfg.DataDir, item.StableID(), path.Base(item.FileName))
	if _, err := filex.EnsureDir(filepath.Dir(dest)); err != nil {
		p.deps.Log.Error(ctx, "retaining local copy failed", "file", item.FileName, "error", err)
		return
	}
	if err := filex.CopyFile(local, dest); err != nil {
		p.deps.Log.Error(ctx, "retaining local copy failed", "file", item.FileName, "error", err)
	}
}

// registerEncrypted records fresh key material for the uploaded file in
// its folder's metadata document.
func (p *Pipeline) registerEncrypted(ctx context.Context, item *models.TransferItem, res *remote.UploadResult) error {
	fileKey, err := cryptox.RandomToken(32)
	if err != nil {
		return fmt.Errorf("generating file key: %w", err)
	}
	nonce, err := cryptox.RandomToken(12)
	if err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	entry := models.MetadataEntry{
		FileID:   res.ID,
		Key:      fileKey,
		Nonce:    nonce,
		Mimetype: mime.TypeByExtension(path.Ext(item.FileName)),
	}
	return p.deps.Crypto.RegisterFile(ctx, path.Dir(item.FileName), path.Base(item.FileName), entry)
}

// markActive transitions the item into its active status and journals the
// transition.
func (p *Pipeline) markActive(ctx context.Context, item *models.TransferItem, status models.Status, journal *store.Store) bool {
	if err := p.deps.Items.SetStatus(ctx, item.TransferID, status, time.Time{}); err != nil {
		p.deps.Log.Error(ctx, "marking item active failed", "transferID", item.TransferID, "error", err)
		return false
	}
	item.Status = status
	s := string(status)
	journal.Put(models.SnapshotRecord{
		TransferID: item.TransferID,
		ServerURL:  item.ServerURL,
		FileName:   item.FileName,
		Status:     &s,
	})
	p.notifyItem(item)
	return true
}

// transferOptions wires lane, task tracking, journaling and quantized
// progress for one transfer.
func (p *Pipeline) transferOptions(item *models.TransferItem, journal *store.Store) *remote.TransferOptions {
	key := item.StableID()
	return &remote.TransferOptions{
		Lane: item.Lane,
		OnTask: func(taskID int) {
			p.deps.Registry.SetTask(key, taskID)
			if err := p.deps.Items.SetTask(context.Background(), item.TransferID, item.Lane, taskID); err != nil {
				p.deps.Log.Error(context.Background(), "recording task id failed", "transferID", item.TransferID, "error", err)
			}
		},
		OnProgress: func(transferred, total int64) {
			pct, emit := p.deps.Quantizer.Step(key, transferred, total)
			if !emit {
				return
			}
			fraction := float64(pct) / 100
			journal.Put(models.SnapshotRecord{
				TransferID: item.TransferID,
				ServerURL:  item.ServerURL,
				FileName:   item.FileName,
				Progress:   &fraction,
			})
			p.deps.Dispatcher.Notify(dispatch.Event{
				Kind:    dispatch.KindProgress,
				Scene:   path.Dir(item.FileName),
				Item:    item,
				Percent: pct,
			})
		},
	}
}

// fail classifies err and parks, re-queues or withdraws the item.
func (p *Pipeline) fail(ctx context.Context, item *models.TransferItem, err error) {
	if ctx.Err() != nil {
		// a shutdown mid-transfer is not a failure; the zombie sweep will
		// re-queue the item on the next start
		return
	}
	class := common.Classify(err)
	switch class {
	case common.ClassNotFound:
		p.deps.Log.Warn(ctx, "target vanished, withdrawing item",
			"transferID", item.TransferID, "file", item.FileName, "error", err)
		if werr := p.withdraw(ctx, item); werr != nil {
			p.deps.Log.Error(ctx, "withdraw failed", "transferID", item.TransferID, "error", werr)
		}
		return

	case common.ClassTransient, common.ClassQuota:
		wait := item.Status.WaitState()
		retryAt := time.Now().Add(p.cfg.RetryCoolDown)
		p.deps.Log.Warn(ctx, "operation failed, will retry",
			"transferID", item.TransferID, "file", item.FileName, "class", classLabel(class), "error", err)
		if serr := p.deps.Items.SetStatus(ctx, item.TransferID, wait, retryAt); serr != nil {
			p.deps.Log.Error(ctx, "re-queueing failed", "transferID", item.TransferID, "error", serr)
		}
		item.Status = wait
		item.RetryAt = retryAt
		p.notifyItem(item)
		return
	}

	// authorization, validation and server faults
	errStatus := errorStatus(item.Status)
	p.deps.Log.Error(ctx, "operation failed permanently",
		"transferID", item.TransferID, "file", item.FileName, "class", classLabel(class), "error", err)
	if errStatus == "" {
		// metadata verbs fail closed: the item returns to rest with no
		// partial state retained
		if serr := p.deps.Items.SetStatus(ctx, item.TransferID, models.StatusNormal, time.Time{}); serr != nil {
			p.deps.Log.Error(ctx, "restoring failed item failed", "transferID", item.TransferID, "error", serr)
		}
		item.Status = models.StatusNormal
		item.RetryAt = time.Time{}
		p.notifyItem(item)
		return
	}
	if serr := p.deps.Items.SetStatus(ctx, item.TransferID, errStatus, time.Time{}); serr != nil {
		p.deps.Log.Error(ctx, "parking failed item failed", "transferID", item.TransferID, "error", serr)
	}
	item.Status = errStatus
	p.notifyItem(item)
}

// errorStatus maps an active/wait status to its parked error status, or ""
// when none exists.
func errorStatus(s models.Status) models.Status {
	switch s {
	case models.StatusUploading, models.StatusWaitUpload:
		return models.StatusUploadError
	case models.StatusDownloading, models.StatusWaitDownload:
		return models.StatusDownloadError
	}
	return ""
}

func classLabel(c common.Class) string {
	switch c {
	case common.ClassTransient:
		return "transient"
	case common.ClassAuthorization:
		return "authorization"
	case common.ClassValidation:
		return "validation"
	case common.ClassServer:
		return "server"
	case common.ClassNotFound:
		return "notFound"
	case common.ClassQuota:
		return "quota"
	}
	return "unknown"
}

func (p *Pipeline) notifyItem(item *models.TransferItem) {
	p.deps.Dispatcher.Notify(dispatch.Event{
		Kind:  dispatch.KindItemUpdated,
		Scene: path.Dir(item.FileName),
		Item:  item,
	})
}

// Flush forces buffered completions and both journals to disk. Called on
// shutdown.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.flushCompleted(ctx)
	if err := p.deps.Transfers.Flush(); err != nil {
		return err
	}
	return p.deps.Uploads.Flush()
}
