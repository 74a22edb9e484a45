package items

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/models"
	"github.com/driveq/driveq/internal/repositories"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := repositories.OpenSQLite(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testItem(transferID, fileName string) *models.TransferItem {
	return &models.TransferItem{
		TransferID:  transferID,
		ServerURL:   "/remote/files",
		FileName:    fileName,
		Lane:        models.LaneForeground,
		Status:      models.StatusWaitUpload,
		Size:        100,
		SessionDate: time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLiteRepository_UpsertAndGet(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	item := testItem("t1", "a.txt")
	require.NoError(t, repo.Upsert(ctx, item))

	got, err := repo.GetByTransferID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.FileName)
	assert.Equal(t, models.StatusWaitUpload, got.Status)
	assert.Equal(t, int64(100), got.Size)

	// replace via same transfer id
	item.Size = 200
	require.NoError(t, repo.Upsert(ctx, item))
	got, err = repo.GetByTransferID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Size)
}

func TestSQLiteRepository_GetMissing(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	_, err := repo.GetByTransferID(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteRepository_QueryOrdersOldestFirst(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	newer := testItem("t-new", "new.txt")
	newer.SessionDate = now
	older := testItem("t-old", "old.txt")
	older.SessionDate = now.Add(-time.Hour)
	undated := testItem("t-none", "none.txt")
	undated.SessionDate = time.Time{}

	for _, it := range []*models.TransferItem{newer, undated, older} {
		require.NoError(t, repo.Upsert(ctx, it))
	}

	got, err := repo.Query(ctx, Filter{Statuses: []models.Status{models.StatusWaitUpload}})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "t-old", got[0].TransferID)
	assert.Equal(t, "t-new", got[1].TransferID)
	assert.Equal(t, "t-none", got[2].TransferID, "items without session date sort last")
}

func TestSQLiteRepository_QueryExcludeStatuses(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	wait := testItem("t1", "a.txt")
	done := testItem("t2", "b.txt")
	done.Status = models.StatusNormal
	require.NoError(t, repo.Upsert(ctx, wait))
	require.NoError(t, repo.Upsert(ctx, done))

	got, err := repo.Query(ctx, Filter{ExcludeStatuses: []models.Status{models.StatusNormal}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TransferID)
}

func TestSQLiteRepository_Supersede(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	old := testItem("t1", "a.txt")
	require.NoError(t, repo.Upsert(ctx, old))
	finished := testItem("t2", "a.txt")
	finished.ServerURL = "/remote/other"
	finished.Status = models.StatusNormal
	require.NoError(t, repo.Upsert(ctx, finished))

	require.NoError(t, repo.Supersede(ctx, "/remote/files", "a.txt"))

	_, err := repo.GetByTransferID(ctx, "t1")
	assert.ErrorIs(t, err, common.ErrNotFound, "non-terminal item for the path must be removed")
	_, err = repo.GetByTransferID(ctx, "t2")
	assert.NoError(t, err)
}

func TestSQLiteRepository_SetStatus(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, testItem("t1", "a.txt")))

	retryAt := time.Now().UTC().Add(5 * time.Minute).Truncate(time.Second)
	require.NoError(t, repo.SetStatus(ctx, "t1", models.StatusUploadError, retryAt))

	got, err := repo.GetByTransferID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploadError, got.Status)
	assert.WithinDuration(t, retryAt, got.RetryAt, time.Second)

	assert.ErrorIs(t, repo.SetStatus(ctx, "missing", models.StatusNormal, time.Time{}), common.ErrNotFound)
}

func TestSQLiteRepository_SetProgressAndTask(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, testItem("t1", "a.txt")))
	require.NoError(t, repo.SetProgress(ctx, "t1", 0.42))
	require.NoError(t, repo.SetTask(ctx, "t1", models.LaneBackground, 77))

	got, err := repo.GetByTransferID(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.42, got.Progress, 1e-9)
	assert.Equal(t, models.LaneBackground, got.Lane)
	assert.Equal(t, 77, got.TaskID)
}

func TestSQLiteRepository_BatchReplace(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	provisional := testItem("tmp-1", "a.txt")
	require.NoError(t, repo.Upsert(ctx, provisional))

	confirmed := testItem("srv-1", "a.txt")
	confirmed.ID = "srv-1"
	confirmed.Status = models.StatusNormal
	confirmed.Etag = "etag-1"

	require.NoError(t, repo.BatchReplace(ctx, []string{"tmp-1"}, []*models.TransferItem{confirmed}))

	_, err := repo.GetByTransferID(ctx, "tmp-1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	got, err := repo.GetByTransferID(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "etag-1", got.Etag)
	assert.Equal(t, models.StatusNormal, got.Status)
}

func TestSQLiteRepository_DeleteWhere(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	a := testItem("t1", "a.txt")
	b := testItem("t2", "b.txt")
	b.Selector = models.SelectorAutoUpload
	require.NoError(t, repo.Upsert(ctx, a))
	require.NoError(t, repo.Upsert(ctx, b))

	require.NoError(t, repo.DeleteWhere(ctx, Filter{Selector: models.SelectorAutoUpload}))

	got, err := repo.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TransferID)
}
