package models

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusNormal.Terminal())
	assert.False(t, StatusWaitUpload.Terminal())

	assert.True(t, StatusUploading.Active())
	assert.True(t, StatusDownloading.Active())
	assert.False(t, StatusWaitDownload.Active())

	assert.True(t, StatusWaitCreateFolder.Waiting())
	assert.True(t, StatusWaitFavorite.Waiting())
	assert.False(t, StatusUploading.Waiting())
	assert.False(t, StatusNormal.Waiting())

	assert.True(t, StatusUploadError.Failed())
	assert.False(t, StatusWaitUpload.Failed())
}

func TestStatusWaitState(t *testing.T) {
	assert.Equal(t, StatusWaitUpload, StatusUploading.WaitState())
	assert.Equal(t, StatusWaitUpload, StatusUploadError.WaitState())
	assert.Equal(t, StatusWaitDownload, StatusDownloadError.WaitState())
	assert.Equal(t, StatusWaitMove, StatusWaitMove.WaitState())
}

func TestTransferItemStableID(t *testing.T) {
	item := &TransferItem{TransferID: "tmp-1"}
	assert.Equal(t, "tmp-1", item.StableID())
	item.ID = "srv-9"
	assert.Equal(t, "srv-9", item.StableID())
}

func TestTransferItemReady(t *testing.T) {
	now := time.Now()
	item := &TransferItem{}
	assert.True(t, item.Ready(now))

	item.RetryAt = now.Add(time.Minute)
	assert.False(t, item.Ready(now))
	assert.True(t, item.Ready(now.Add(2*time.Minute)))
}

func TestByOldestSession(t *testing.T) {
	now := time.Now()
	items := []*TransferItem{
		{FileName: "none"},
		{FileName: "new", SessionDate: now},
		{FileName: "old", SessionDate: now.Add(-time.Hour)},
	}
	sort.Slice(items, func(i, j int) bool { return ByOldestSession(items[i], items[j]) })

	assert.Equal(t, "old", items[0].FileName)
	assert.Equal(t, "new", items[1].FileName)
	assert.Equal(t, "none", items[2].FileName)
}

func TestSnapshotRecordMerge(t *testing.T) {
	status := string(StatusUploading)
	rec := &SnapshotRecord{ServerURL: "/remote/files", FileName: "a.txt", Status: &status}

	newProgress := 0.8
	rec.Merge(&SnapshotRecord{Progress: &newProgress})
	require.NotNil(t, rec.Progress)
	assert.Equal(t, 0.8, *rec.Progress)
	require.NotNil(t, rec.Status, "merge must not clear fields the source leaves nil")
	assert.Equal(t, status, *rec.Status)
}

func TestSnapshotRecordApplyTo(t *testing.T) {
	id := "srv-1"
	etag := "abc"
	size := int64(42)
	rec := &SnapshotRecord{TaskID: 7, ID: &id, Etag: &etag, Size: &size}

	item := &TransferItem{Status: StatusUploading}
	rec.ApplyTo(item)

	assert.Equal(t, "srv-1", item.ID)
	assert.Equal(t, "abc", item.Etag)
	assert.Equal(t, int64(42), item.Size)
	assert.Equal(t, 7, item.TaskID)
	assert.Equal(t, StatusUploading, item.Status, "nil status must not reset the item")
}

func TestSnapshotRecordKey(t *testing.T) {
	up := &SnapshotRecord{TransferID: "tmp-3", ServerURL: "/r", FileName: "f"}
	assert.Equal(t, "tmp-3", up.Key())

	generic := &SnapshotRecord{ServerURL: "/r", FileName: "f", TaskID: 12}
	assert.Equal(t, "/r|f|12", generic.Key())
}

func TestMetadataDocumentEmpty(t *testing.T) {
	doc := NewMetadataDocument()
	assert.True(t, doc.Empty())
	doc.Entries["a.txt"] = MetadataEntry{FileID: "1"}
	assert.False(t, doc.Empty())
}
