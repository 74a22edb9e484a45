// Package items persists TransferItems, the durable queue the status
// pipeline drains. Two backends implement the same Repository interface:
// sqlite for device-local deployments and Postgres for shared ones.
package items

import (
	"context"
	"database/sql"
	"time"

	"github.com/driveq/driveq/internal/models"
)

// Filter narrows Query and DeleteWhere. Zero-valued fields are ignored.
type Filter struct {
	Statuses        []models.Status
	ExcludeStatuses []models.Status
	ServerURL       string
	FileName        string
	Lane            models.Lane
	Selector        string
}

// Repository is the metadata-repository surface the engine consumes.
type Repository interface {
	// Query returns matching items ordered oldest session date first,
	// items without a session date last.
	Query(ctx context.Context, f Filter) ([]*models.TransferItem, error)

	// GetByTransferID returns the item with the given transient ID, or
	// common.ErrNotFound.
	GetByTransferID(ctx context.Context, transferID string) (*models.TransferItem, error)

	// Upsert inserts or replaces the item keyed by its transfer ID.
	Upsert(ctx context.Context, item *models.TransferItem) error

	// Supersede removes every non-terminal item for the path so a new
	// request can take its place.
	Supersede(ctx context.Context, serverURL, fileName string) error

	// SetStatus atomically updates status and retry cool-down.
	SetStatus(ctx context.Context, transferID string, status models.Status, retryAt time.Time) error

	// SetProgress atomically updates the progress fraction.
	SetProgress(ctx context.Context, transferID string, progress float64) error

	// SetTask atomically records the transport lane and OS task id.
	SetTask(ctx context.Context, transferID string, lane models.Lane, taskID int) error

	// BatchReplace removes the listed transfer IDs and inserts the new
	// records in one transaction.
	BatchReplace(ctx context.Context, removeTransferIDs []string, newItems []*models.TransferItem) error

	// DeleteByTransferID removes a single item.
	DeleteByTransferID(ctx context.Context, transferID string) error

	// DeleteWhere removes every matching item.
	DeleteWhere(ctx context.Context, f Filter) error
}

// itemColumns is the select list shared by both backends, in scan order.
const itemColumns = `transfer_id, id, server_url, file_name, lane, task_id, status, selector,
	size, etag, created, modified, progress, chunk_size, encrypted, destination,
	overwrite, asset_id, session_date, retry_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.TransferItem, error) {
	var (
		item                 models.TransferItem
		created, modified    sql.NullTime
		sessionDate, retryAt sql.NullTime
		lane, status         string
	)
	err := row.Scan(&item.TransferID, &item.ID, &item.ServerURL, &item.FileName,
		&lane, &item.TaskID, &status, &item.Selector, &item.Size, &item.Etag,
		&created, &modified, &item.Progress, &item.ChunkSize, &item.Encrypted,
		&item.Destination, &item.Overwrite, &item.AssetID, &sessionDate, &retryAt)
	if err != nil {
		return nil, err
	}
	item.Lane = models.Lane(lane)
	item.Status = models.Status(status)
	if created.Valid {
		item.Created = created.Time
	}
	if modified.Valid {
		item.Modified = modified.Time
	}
	if sessionDate.Valid {
		item.SessionDate = sessionDate.Time
	}
	if retryAt.Valid {
		item.RetryAt = retryAt.Time
	}
	return &item, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
