package models

import (
	"path"
	"time"
)

// Selector values tag an item with the purpose downstream collaborators
// attached to it.
const (
	SelectorNone       = ""
	SelectorOpenFile   = "openFile"
	SelectorAutoUpload = "autoUpload"
	SelectorKeepLocal  = "keepLocal"
)

// TransferItem is one pending or recently-resolved file operation. Exactly
// one non-terminal item may exist per (ServerURL, FileName) pair; a new
// request for the same path supersedes the previous one.
type TransferItem struct {
	// ID is the server-assigned identifier. TransferID is a transient
	// identifier used for uploads before the server assigns the final ID.
	ID         string
	TransferID string

	ServerURL string
	FileName  string

	Lane   Lane
	TaskID int

	Status   Status
	Selector string

	Size        int64
	Etag        string
	Created     time.Time
	Modified    time.Time
	Progress    float64
	ChunkSize   int64 // >0 switches the upload to the chunked protocol
	Encrypted   bool  // parent folder is end-to-end encrypted
	Destination string
	Overwrite   bool
	AssetID     string

	// SessionDate orders the queue (oldest first; zero sorts last).
	// RetryAt delays pickup after a transient failure.
	SessionDate time.Time
	RetryAt     time.Time
}

// Key returns the logical identity of the item's target path.
func (t *TransferItem) Key() string {
	return path.Join(t.ServerURL, t.FileName)
}

// RemotePath returns the full remote path of the item.
func (t *TransferItem) RemotePath() string {
	return path.Join(t.ServerURL, t.FileName)
}

// StableID returns the identifier transfers are tracked under: the final
// server ID when known, otherwise the transient upload ID.
func (t *TransferItem) StableID() string {
	if t.ID != "" {
		return t.ID
	}
	return t.TransferID
}

// Ready reports whether a waiting item may be picked up at now, i.e. its
// retry cool-down (if any) has elapsed.
func (t *TransferItem) Ready(now time.Time) bool {
	return t.RetryAt.IsZero() || !now.Before(t.RetryAt)
}

// ByOldestSession orders items oldest-session-date first; items with no
// session date sort last. Intended for sort.Slice less functions.
func ByOldestSession(a, b *TransferItem) bool {
	switch {
	case a.SessionDate.IsZero():
		return false
	case b.SessionDate.IsZero():
		return true
	default:
		return a.SessionDate.Before(b.SessionDate)
	}
}
