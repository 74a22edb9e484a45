// Package chunks persists chunk manifests for the chunked upload protocol.
// A manifest survives process kills so a resumed upload skips parts already
// confirmed by the server.
package chunks

import (
	"context"
	"fmt"

	"github.com/driveq/driveq/internal/dbx"
	"github.com/driveq/driveq/internal/models"
)

// Repository is the chunk-manifest surface the chunked uploader consumes.
type Repository interface {
	// Create persists a freshly split manifest.
	Create(ctx context.Context, parts []models.Chunk) error

	// ByItem returns the full manifest for an item, ordered by index.
	ByItem(ctx context.Context, itemID string) ([]models.Chunk, error)

	// MarkUploaded records that a part was confirmed by the server.
	MarkUploaded(ctx context.Context, itemID string, index int) error

	// DeleteByItem removes an item's manifest after assembly or cancel.
	DeleteByItem(ctx context.Context, itemID string) error
}

// SQLiteRepository implements Repository; the identical SQL runs on both
// sqlite and Postgres placeholders aside, so only sqlite is provided.
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository constructs a repository bound to db.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Create(ctx context.Context, parts []models.Chunk) error {
	query := `INSERT INTO chunks (item_id, idx, name, size, folder, uploaded)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id, idx) DO UPDATE SET
			name = excluded.name, size = excluded.size,
			folder = excluded.folder, uploaded = excluded.uploaded`
	for _, p := range parts {
		if _, err := r.db.ExecContext(ctx, query, p.ItemID, p.Index, p.Name, p.Size, p.Folder, p.Uploaded); err != nil {
			return fmt.Errorf("insert chunk %d: %w", p.Index, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) ByItem(ctx context.Context, itemID string) ([]models.Chunk, error) {
	query := `SELECT item_id, idx, name, size, folder, uploaded FROM chunks WHERE item_id = ? ORDER BY idx ASC`
	rows, err := r.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var result []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ItemID, &c.Index, &c.Name, &c.Size, &c.Folder, &c.Uploaded); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) MarkUploaded(ctx context.Context, itemID string, index int) error {
	query := `UPDATE chunks SET uploaded = 1 WHERE item_id = ? AND idx = ?`
	result, err := r.db.ExecContext(ctx, query, itemID, index)
	if err != nil {
		return fmt.Errorf("mark chunk uploaded: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

func (r *SQLiteRepository) DeleteByItem(ctx context.Context, itemID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}
