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

// PostgresRepository implements Repository over a shared Postgres store,
// for deployments where several engine processes observe the same queue.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a repository bound to db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func postgresWhere(f Filter, startArg int) (string, []any) {
	var conds []string
	var args []any
	n := startArg

	add := func(cond string, vals ...any) {
		placeholders := make([]any, len(vals))
		for i := range vals {
			placeholders[i] = fmt.Sprintf("$%d", n)
			n++
		}
		conds = append(conds, fmt.Sprintf(cond, placeholders...))
		args = append(args, vals...)
	}

	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = fmt.Sprintf("$%d", n)
			n++
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.ExcludeStatuses) > 0 {
		ph := make([]string, len(f.ExcludeStatuses))
		for i, s := range f.ExcludeStatuses {
			ph[i] = fmt.Sprintf("$%d", n)
			n++
			args = append(args, string(s))
		}
		conds = append(conds, "status NOT IN ("+strings.Join(ph, ", ")+")")
	}
	if f.ServerURL != "" {
		add("server_url = %s", f.ServerURL)
	}
	if f.FileName != "" {
		add("file_name = %s", f.FileName)
	}
	if f.Lane != "" {
		add("lane = %s", string(f.Lane))
	}
	if f.Selector != "" {
		add("selector = %s", f.Selector)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *PostgresRepository) Query(ctx context.Context, f Filter) ([]*models.TransferItem, error) {
	where, args := postgresWhere(f, 1)
	query := `SELECT ` + itemColumns + ` FROM transfer_items` + where +
		` ORDER BY session_date ASC NULLS LAST, transfer_id ASC`

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

func (r *PostgresRepository) GetByTransferID(ctx context.Context, transferID string) (*models.TransferItem, error) {
	query := `SELECT ` + itemColumns + ` FROM transfer_items WHERE transfer_id = $1`
	item, err := scanItem(r.db.QueryRowContext(ctx, query, transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

const postgresUpsert = `INSERT INTO transfer_items (transfer_id, id, server_url, file_name, lane, task_id,
		status, selector, size, etag, created, modified, progress, chunk_size, encrypted,
		destination, overwrite, asset_id, session_date, retry_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT (transfer_id) DO UPDATE SET
		id = EXCLUDED.id,
		server_url = EXCLUDED.server_url,
		file_name = EXCLUDED.file_name,
		lane = EXCLUDED.lane,
		task_id = EXCLUDED.task_id,
		status = EXCLUDED.status,
		selector = EXCLUDED.selector,
		size = EXCLUDED.size,
		etag = EXCLUDED.etag,
		created = EXCLUDED.created,
		modified = EXCLUDED.modified,
		progress = EXCLUDED.progress,
		chunk_size = EXCLUDED.chunk_size,
		encrypted = EXCLUDED.encrypted,
		destination = EXCLUDED.destination,
		overwrite = EXCLUDED.overwrite,
		asset_id = EXCLUDED.asset_id,
		session_date = EXCLUDED.session_date,
		retry_at = EXCLUDED.retry_at`

func (r *PostgresRepository) Upsert(ctx context.Context, item *models.TransferItem) error {
	if _, err := r.db.ExecContext(ctx, postgresUpsert, upsertArgs(item)...); err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Supersede(ctx context.Context, serverURL, fileName string) error {
	query := `DELETE FROM transfer_items WHERE server_url = $1 AND file_name = $2 AND status <> $3`
	if _, err := r.db.ExecContext(ctx, query, serverURL, fileName, string(models.StatusNormal)); err != nil {
		return fmt.Errorf("supersede: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetStatus(ctx context.Context, transferID string, status models.Status, retryAt time.Time) error {
	query := `UPDATE transfer_items SET status = $1, retry_at = $2 WHERE transfer_id = $3`
	return r.exec1(ctx, query, string(status), nullTime(retryAt), transferID)
}

func (r *PostgresRepository) SetProgress(ctx context.Context, transferID string, progress float64) error {
	query := `UPDATE transfer_items SET progress = $1 WHERE transfer_id = $2`
	return r.exec1(ctx, query, progress, transferID)
}

func (r *PostgresRepository) SetTask(ctx context.Context, transferID string, lane models.Lane, taskID int) error {
	query := `UPDATE transfer_items SET lane = $1, task_id = $2 WHERE transfer_id = $3`
	return r.exec1(ctx, query, string(lane), taskID, transferID)
}

func (r *PostgresRepository) exec1(ctx context.Context, query string, args ...any) error {
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

func (r *PostgresRepository) BatchReplace(ctx context.Context, removeTransferIDs []string, newItems []*models.TransferItem) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range removeTransferIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_items WHERE transfer_id = $1`, id); err != nil {
				return fmt.Errorf("batch delete %s: %w", id, err)
			}
		}
		for _, item := range newItems {
			if _, err := tx.ExecContext(ctx, postgresUpsert, upsertArgs(item)...); err != nil {
				return fmt.Errorf("batch insert %s: %w", item.TransferID, err)
			}
		}
		return nil
	})
}

func (r *PostgresRepository) DeleteByTransferID(ctx context.Context, transferID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transfer_items WHERE transfer_id = $1`, transferID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteWhere(ctx context.Context, f Filter) error {
	where, args := postgresWhere(f, 1)
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transfer_items`+where, args...); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}
