package items

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/models"
)

func TestPostgresRepository_SetStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE transfer_items SET status = \$1, retry_at = \$2 WHERE transfer_id = \$3`).
		WithArgs(string(models.StatusWaitUpload), sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresRepository(db)
	err = repo.SetStatus(context.Background(), "t1", models.StatusWaitUpload, time.Now())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SetStatus_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE transfer_items`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPostgresRepository(db)
	err = repo.SetStatus(context.Background(), "missing", models.StatusNormal, time.Time{})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPostgresRepository_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM transfer_items`).
		WillReturnError(errors.New("connection refused"))

	repo := NewPostgresRepository(db)
	_, err = repo.Query(context.Background(), Filter{Statuses: []models.Status{models.StatusWaitUpload}})
	assert.Error(t, err)
}

func TestPostgresRepository_DeleteByTransferID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM transfer_items WHERE transfer_id = \$1`).
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresRepository(db)
	assert.NoError(t, repo.DeleteByTransferID(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_BatchReplaceRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM transfer_items WHERE transfer_id = \$1`).
		WithArgs("tmp-1").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	repo := NewPostgresRepository(db)
	err = repo.BatchReplace(context.Background(), []string{"tmp-1"}, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWhere_Placeholders(t *testing.T) {
	where, args := postgresWhere(Filter{
		Statuses:  []models.Status{models.StatusWaitUpload, models.StatusWaitDownload},
		ServerURL: "/remote/files",
	}, 1)

	assert.Equal(t, " WHERE status IN ($1, $2) AND server_url = $3", where)
	assert.Equal(t, []any{string(models.StatusWaitUpload), string(models.StatusWaitDownload), "/remote/files"}, args)
}
