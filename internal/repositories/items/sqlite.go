package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/dbx"
	"github.com/driveq/driveq/internal/models"
)

// SQLiteRepository implements Repository over the device-local sqlite store.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository constructs a repository bound to db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func sqliteWhere(f Filter) (string, []any) {
	var conds []string
	var args []any

	if len(f.Statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		conds = append(conds, "status IN ("+ph+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.ExcludeStatuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.ExcludeStatuses)), ",")
		conds = append(conds, "status NOT IN ("+ph+")")
		for _, s := range f.ExcludeStatuses {
			args = append(args, string(s))
		}
	}
	if f.ServerURL != "" {
		conds = append(conds, "server_url = ?")
		args = append(args, f.ServerURL)
	}
	if f.FileName != "" {
		conds = append(conds, "file_name = ?")
		args = append(args, f.FileName)
	}
	if f.Lane != "" {
		conds = append(conds, "lane = ?")
		args = append(args, string(f.Lane))
	}
	if f.Selector != "" {
		conds = append(conds, "selector = ?")
		args = append(args, f.Selector)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *SQLiteRepository) Query(ctx context.Context, f Filter) ([]*models.TransferItem, error) {
	where, args := sqliteWhere(f)
	query := `SELECT ` + itemColumns + ` FROM transfer_items` + where +
		` ORDER BY session_date IS NULL, session_date ASC, transfer_id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var result []*models.TransferItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) GetByTransferID(ctx context.Context, transferID string) (*models.TransferItem, error) {
	query := `SELECT ` + itemColumns + ` FROM transfer_items WHERE transfer_id = ?`
	item, err := scanItem(r.db.QueryRowContext(ctx, query, transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (r *SQLiteRepository) Upsert(ctx context.Context, item *models.TransferItem) error {
	query := `INSERT INTO transfer_items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			id = excluded.id,
			server_url = excluded.server_url,
			file_name = excluded.file_name,
			lane = excluded.lane,
			task_id = excluded.task_id,
			status = excluded.status,
			selector = excluded.selector,
			size = excluded.size,
			etag = excluded.etag,
			created = excluded.created,
			modified = excluded.modified,
			progress = excluded.progress,
			chunk_size = excluded.chunk_size,
			encrypted = excluded.encrypted,
			destination = excluded.destination,
			overwrite = excluded.overwrite,
			asset_id = excluded.asset_id,
			session_date = excluded.session_date,
			retry_at = excluded.retry_at`

	_, err := r.db.ExecContext(ctx, query, upsertArgs(item)...)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func upsertArgs(item *models.TransferItem) []any {
	return []any{
		item.TransferID, item.ID, item.ServerURL, item.FileName,
		string(item.Lane), item.TaskID, string(item.Status), item.Selector,
		item.Size, item.Etag, nullTime(item.Created), nullTime(item.Modified),
		item.Progress, item.ChunkSize, item.Encrypted, item.Destination,
		item.Overwrite, item.AssetID, nullTime(item.SessionDate), nullTime(item.RetryAt),
	}
}

func (r *SQLiteRepository) Supersede(ctx context.Context, serverURL, fileName string) error {
	query := `DELETE FROM transfer_items WHERE server_url = ? AND file_name = ? AND status <> ?`
	if _, err := r.db.ExecContext(ctx, query, serverURL, fileName, string(models.StatusNormal)); err != nil {
		return fmt.Errorf("supersede: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) SetStatus(ctx context.Context, transferID string, status models.Status, retryAt time.Time) error {
	query := `UPDATE transfer_items SET status = ?, retry_at = ? WHERE transfer_id = ?`
	return r.exec1(ctx, query, string(status), nullTime(retryAt), transferID)
}

func (r *SQLiteRepository) SetProgress(ctx context.Context, transferID string, progress float64) error {
	query := `UPDATE transfer_items SET progress = ? WHERE transfer_id = ?`
	return r.exec1(ctx, query, progress, transferID)
}

func (r *SQLiteRepository) SetTask(ctx context.Context, transferID string, lane models.Lane, taskID int) error {
	query := `UPDATE transfer_items SET lane = ?, task_id = ? WHERE transfer_id = ?`
	return r.exec1(ctx, query, string(lane), taskID, transferID)
}

func (r *SQLiteRepository) exec1(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) BatchReplace(ctx context.Context, removeTransferIDs []string, newItems []*models.TransferItem) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range removeTransferIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_items WHERE transfer_id = ?`, id); err != nil {
				return fmt.Errorf("batch delete %s: %w", id, err)
			}
		}
		for _, item := range newItems {
			query := `INSERT INTO transfer_items (` + itemColumns + `)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(transfer_id) DO UPDATE SET
					id = excluded.id, status = excluded.status, etag = excluded.etag,
					size = excluded.size, progress = excluded.progress,
					created = excluded.created, modified = excluded.modified`
			if _, err := tx.ExecContext(ctx, query, upsertArgs(item)...); err != nil {
				return fmt.Errorf("batch insert %s: %w", item.TransferID, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) DeleteByTransferID(ctx context.Context, transferID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transfer_items WHERE transfer_id = ?`, transferID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteWhere(ctx context.Context, f Filter) error {
	where, args := sqliteWhere(f)
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transfer_items`+where, args...); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}
