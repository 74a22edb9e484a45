// Package chunked implements resumable uploads for large files. The file
// is split into fixed-size parts on disk, each part is sent to a staging
// folder on the server, and a final assemble call stitches the parts onto
// the destination path. The part manifest is persisted, so a killed upload
// resumes without re-sending confirmed parts.
package chunked

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/filex"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/models"
	"github.com/driveq/driveq/internal/netx"
	"github.com/driveq/driveq/internal/remote"
	"github.com/driveq/driveq/internal/repositories/chunks"
)

const (
	// Files at or below the chunk threshold go up in one request.
	DefaultChunkSizeWifi     = 10 * 1024 * 1024
	DefaultChunkSizeCellular = 1 * 1024 * 1024

	assembleTimePerGB = 3 * time.Minute
	assembleMin       = time.Minute
	assembleMax       = 30 * time.Minute
)

// Uploader performs plain or chunked uploads depending on file size and
// network class.
type Uploader struct {
	remote    remote.Service
	manifests chunks.Repository
	monitor   netx.Monitor
	log       logging.Logger

	dataDir       string
	chunkWifi     int64
	chunkCellular int64

	// stagingPrefix is the server-side folder parts are sent to before
	// assembly.
	stagingPrefix string
}

// Config wires an Uploader.
type Config struct {
	Remote        remote.Service
	Manifests     chunks.Repository
	Monitor       netx.Monitor
	Log           logging.Logger
	DataDir       string
	ChunkWifi     int64
	ChunkCellular int64
	StagingPrefix string
}

func New(cfg Config) *Uploader {
	u := &Uploader{
		remote:        cfg.Remote,
		manifests:     cfg.Manifests,
		monitor:       cfg.Monitor,
		log:           cfg.Log,
		dataDir:       cfg.DataDir,
		chunkWifi:     cfg.ChunkWifi,
		chunkCellular: cfg.ChunkCellular,
		stagingPrefix: cfg.StagingPrefix,
	}
	if u.chunkWifi <= 0 {
		u.chunkWifi = DefaultChunkSizeWifi
	}
	if u.chunkCellular <= 0 {
		u.chunkCellular = DefaultChunkSizeCellular
	}
	if u.stagingPrefix == "" {
		u.stagingPrefix = "/uploads"
	}
	return u
}

// chunkSize picks the part size: an explicit per-item size wins, else the
// default for the current network class.
func (u *Uploader) chunkSize(item *models.TransferItem) int64 {
	if item.ChunkSize > 0 {
		return item.ChunkSize
	}
	if u.monitor != nil && u.monitor.Class().Metered() {
		return u.chunkCellular
	}
	return u.chunkWifi
}

// Upload sends localPath to remotePath. Files larger than the item's
// chunk size (or the network-class default when the item sets none) take
// the chunked path. A file that is present but empty on disk is treated
// as missing, which sends the item down the cleanup path instead of
// publishing a zero-byte file.
func (u *Uploader) Upload(ctx context.Context, item *models.TransferItem, localPath, remotePath string, headers map[string]string, opts *remote.TransferOptions) (*remote.UploadResult, error) {
	size := filex.SizeOnDisk(localPath)
	if size == 0 {
		return nil, fmt.Errorf("upload %s: %w", localPath, common.ErrNotFound)
	}

	chunkSize := u.chunkSize(item)
	if size <= chunkSize {
		return u.remote.Upload(ctx, remotePath, localPath, headers, opts)
	}
	return u.uploadChunked(ctx, item, localPath, remotePath, size, chunkSize, headers, opts)
}

func (u *Uploader) uploadChunked(ctx context.Context, item *models.TransferItem, localPath, remotePath string, size, chunkSize int64, headers map[string]string, opts *remote.TransferOptions) (*remote.UploadResult, error) {
	itemID := item.StableID()

	parts, err := u.manifests.ByItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	if len(parts) == 0 {
		if parts, err = u.split(ctx, itemID, localPath, size, chunkSize); err != nil {
			return nil, err
		}
	} else {
		u.log.Info(ctx, "resuming chunked upload", "item", itemID, "parts", len(parts), "done", countUploaded(parts))
	}

	staging := u.stagingPrefix + "/" + itemID
	if _, err := u.remote.CreateFolder(ctx, staging); err != nil && !errors.Is(err, common.ErrAlreadyExists) {
		return nil, fmt.Errorf("creating staging folder: %w", err)
	}

	var base int64
	for _, p := range parts {
		if p.Uploaded {
			base += p.Size
		}
	}

	for _, p := range parts {
		if p.Uploaded {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		partPath := filepath.Join(p.Folder, p.Name)
		partOpts := &remote.TransferOptions{}
		if opts != nil {
			partOpts.Lane = opts.Lane
			partOpts.OnTask = opts.OnTask
			if opts.OnProgress != nil {
				done := base
				fn := opts.OnProgress
				partOpts.OnProgress = func(transferred, _ int64) {
					fn(done+transferred, size)
				}
			}
		}
		if _, err := u.remote.Upload(ctx, staging+"/"+p.Name, partPath, nil, partOpts); err != nil {
			return nil, fmt.Errorf("uploading part %d: %w", p.Index, err)
		}
		if err := u.manifests.MarkUploaded(ctx, itemID, p.Index); err != nil {
			return nil, fmt.Errorf("marking part %d: %w", p.Index, err)
		}
		os.Remove(partPath)
		base += p.Size
		u.log.Debug(ctx, "part uploaded", "item", itemID, "part", p.Index, "of", len(parts))
	}

	assembleCtx, cancel := context.WithTimeout(ctx, AssembleTimeout(size))
	defer cancel()
	if err := u.remote.Assemble(assembleCtx, staging, remotePath, headers); err != nil {
		return nil, fmt.Errorf("assembling %s: %w", remotePath, err)
	}

	if err := u.manifests.DeleteByItem(ctx, itemID); err != nil {
		return nil, fmt.Errorf("clearing manifest: %w", err)
	}
	os.RemoveAll(filex.ChunkDir(u.dataDir, itemID))

	infos, err := u.remote.ReadMetadata(ctx, remotePath, 0)
	if err != nil || len(infos) == 0 {
		// assembly succeeded; treat the readback as best-effort
		u.log.Warn(ctx, "readback after assemble failed", "path", remotePath, "error", err)
		return &remote.UploadResult{}, nil
	}
	return &remote.UploadResult{
		ID:       infos[0].ID,
		Etag:     infos[0].Etag,
		Modified: infos[0].Modified,
	}, nil
}

// split cuts localPath into part files under the item's chunk directory
// and persists the manifest. Part names zero-pad the index so both local
// and server-side listings sort in order.
func (u *Uploader) split(ctx context.Context, itemID, localPath string, size, chunkSize int64) ([]models.Chunk, error) {
	dir, err := filex.EnsureDir(filex.ChunkDir(u.dataDir, itemID))
	if err != nil {
		return nil, fmt.Errorf("creating chunk dir: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer src.Close()

	var parts []models.Chunk
	for index, remaining := 1, size; remaining > 0; index++ {
		n := chunkSize
		if remaining < n {
			n = remaining
		}
		name := fmt.Sprintf("%05d", index)
		if err := writePart(filepath.Join(dir, name), src, n); err != nil {
			return nil, fmt.Errorf("writing part %d: %w", index, err)
		}
		parts = append(parts, models.Chunk{
			ItemID: itemID,
			Index:  index,
			Name:   name,
			Size:   n,
			Folder: dir,
		})
		remaining -= n
	}

	if err := u.manifests.Create(ctx, parts); err != nil {
		return nil, fmt.Errorf("persisting manifest: %w", err)
	}
	u.log.Info(ctx, "file split for chunked upload", "item", itemID, "size", size, "parts", len(parts))
	return parts, nil
}

func writePart(path string, src io.Reader, n int64) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	_, err = io.CopyN(dst, src, n)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return err
}

// Abort drops the manifest and local part files for an item whose upload
// was withdrawn.
func (u *Uploader) Abort(ctx context.Context, itemID string) error {
	if err := u.manifests.DeleteByItem(ctx, itemID); err != nil {
		return fmt.Errorf("clearing manifest: %w", err)
	}
	os.RemoveAll(filex.ChunkDir(u.dataDir, itemID))
	return nil
}

func countUploaded(parts []models.Chunk) int {
	n := 0
	for _, p := range parts {
		if p.Uploaded {
			n++
		}
	}
	return n
}

// AssembleTimeout scales the server-side assembly deadline with file size.
// Three minutes per gigabyte, clamped between one minute and thirty.
func AssembleTimeout(size int64) time.Duration {
	d := time.Duration(float64(size) / (1 << 30) * float64(assembleTimePerGB))
	if d < assembleMin {
		return assembleMin
	}
	if d > assembleMax {
		return assembleMax
	}
	return d
}
