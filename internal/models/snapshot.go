package models

import (
	"strconv"
	"time"
)

// SnapshotRecord is a denormalized, independently-flushable projection of a
// TransferItem used by the write-behind transfer stores. All mutable fields
// are pointers so records merge with last-non-nil-wins semantics before
// being reconciled into the metadata repository and discarded.
type SnapshotRecord struct {
	ServerURL  string `json:"serverUrl"`
	FileName   string `json:"fileName"`
	TaskID     int    `json:"taskIdentifier"`
	TransferID string `json:"transferId,omitempty"`

	ID          *string    `json:"id,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Progress    *float64   `json:"progress,omitempty"`
	Etag        *string    `json:"etag,omitempty"`
	Size        *int64     `json:"size,omitempty"`
	Lane        *string    `json:"session,omitempty"`
	SessionDate *time.Time `json:"sessionDate,omitempty"`
}

// Key returns the identity a record is buffered under. Upload records are
// keyed by transient ID; everything else by path plus task identifier.
func (r *SnapshotRecord) Key() string {
	if r.TransferID != "" {
		return r.TransferID
	}
	return r.ServerURL + "|" + r.FileName + "|" + strconv.Itoa(r.TaskID)
}

// Merge overlays src onto r, field by field; non-nil source fields win.
func (r *SnapshotRecord) Merge(src *SnapshotRecord) {
	if src.ID != nil {
		r.ID = src.ID
	}
	if src.Status != nil {
		r.Status = src.Status
	}
	if src.Progress != nil {
		r.Progress = src.Progress
	}
	if src.Etag != nil {
		r.Etag = src.Etag
	}
	if src.Size != nil {
		r.Size = src.Size
	}
	if src.Lane != nil {
		r.Lane = src.Lane
	}
	if src.SessionDate != nil {
		r.SessionDate = src.SessionDate
	}
}

// ApplyTo folds the record's non-nil fields into a TransferItem.
func (r *SnapshotRecord) ApplyTo(item *TransferItem) {
	if r.ID != nil {
		item.ID = *r.ID
	}
	if r.Status != nil {
		item.Status = Status(*r.Status)
	}
	if r.Progress != nil {
		item.Progress = *r.Progress
	}
	if r.Etag != nil {
		item.Etag = *r.Etag
	}
	if r.Size != nil {
		item.Size = *r.Size
	}
	if r.Lane != nil {
		item.Lane = Lane(*r.Lane)
	}
	if r.SessionDate != nil {
		item.SessionDate = *r.SessionDate
	}
	if r.TaskID != 0 {
		item.TaskID = r.TaskID
	}
}
