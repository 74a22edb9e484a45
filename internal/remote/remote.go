// Package remote defines the abstract remote-file-service capability the
// engine consumes and provides two adapters for it: a WebDAV-over-HTTP
// client and an S3 client. Adapters map transport failures into the
// sentinel errors of internal/common; callers never see raw HTTP or SDK
// errors.
package remote

import (
	"context"
	"time"

	"github.com/driveq/driveq/internal/models"
)

// FileInfo describes one remote file or folder.
type FileInfo struct {
	ID       string
	Path     string
	Name     string
	Etag     string
	Size     int64
	IsDir    bool
	Favorite bool
	Created  time.Time
	Modified time.Time

	// QuotaFree is populated on the root entry of a depth-0 read and
	// reports the bytes the server will still accept. Negative when the
	// server does not expose quota.
	QuotaFree int64
}

// UploadResult reports a finished upload.
type UploadResult struct {
	ID       string
	Etag     string
	Modified time.Time
}

// DownloadResult reports a finished download.
type DownloadResult struct {
	Etag     string
	Modified time.Time
	Length   int64
}

// TransferOptions carries the lane assignment and transfer callbacks.
// OnTask fires once the transport has assigned a task identifier; OnProgress
// fires as bytes move.
type TransferOptions struct {
	Lane       models.Lane
	OnTask     func(taskID int)
	OnProgress func(transferred, total int64)
}

// Metadata publish methods, mirroring the server API verbs.
const (
	MetadataPost   = "POST"
	MetadataPut    = "PUT"
	MetadataDelete = "DELETE"
)

// Service is the capability surface the status pipeline and its protocol
// helpers dispatch to.
type Service interface {
	CreateFolder(ctx context.Context, path string) (id string, err error)
	Delete(ctx context.Context, path string) error
	Move(ctx context.Context, src, dst string, overwrite bool) error
	Copy(ctx context.Context, src, dst string, overwrite bool) error

	// Assemble moves a completed chunk folder onto its final destination,
	// carrying the original timestamps as headers. The caller bounds the
	// context deadline in proportion to file size.
	Assemble(ctx context.Context, src, dst string, headers map[string]string) error

	// ReadMetadata lists path at the given depth (0 = the entry itself,
	// 1 = its children).
	ReadMetadata(ctx context.Context, path string, depth int) ([]FileInfo, error)

	SetFavorite(ctx context.Context, path string, favorite bool) error

	Upload(ctx context.Context, path, localPath string, headers map[string]string, opts *TransferOptions) (*UploadResult, error)
	Download(ctx context.Context, path, localPath string, opts *TransferOptions) (*DownloadResult, error)

	// LockFolder acquires the exclusive server-side lock guarding an
	// encrypted folder's metadata; UnlockFolder releases it.
	LockFolder(ctx context.Context, folderID string) (token string, err error)
	UnlockFolder(ctx context.Context, folderID, token string) error

	// GetEncryptedMetadata returns the folder's metadata document, or ""
	// when none has been published yet.
	GetEncryptedMetadata(ctx context.Context, folderID, token string) (string, error)

	// PutEncryptedMetadata publishes (POST), replaces (PUT) or removes
	// (DELETE) the folder's metadata document.
	PutEncryptedMetadata(ctx context.Context, folderID, token, doc, method string) error

	// LiveTasks reports the task identifiers still alive on a transport
	// lane; the zombie reconciler diffs persisted items against it.
	LiveTasks(ctx context.Context, lane models.Lane) ([]int, error)
}
