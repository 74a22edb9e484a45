// Package models defines the persisted data model of the transfer engine:
// transfer items, their status state machine, chunk manifests, snapshot
// records for the write-behind stores, and the encrypted-folder metadata
// document.
package models

// Status is the closed set of states a TransferItem moves through.
// Enqueuing collaborators create items in a Wait* state; only the status
// pipeline and its protocol helpers mutate it afterwards.
type Status string

const (
	StatusNormal           Status = "normal"
	StatusWaitCreateFolder Status = "waitCreateFolder"
	StatusWaitUpload       Status = "waitUpload"
	StatusUploading        Status = "uploading"
	StatusUploadError      Status = "uploadError"
	StatusWaitDownload     Status = "waitDownload"
	StatusDownloading      Status = "downloading"
	StatusDownloadError    Status = "downloadError"
	StatusWaitDelete       Status = "waitDelete"
	StatusWaitRename       Status = "waitRename"
	StatusWaitMove         Status = "waitMove"
	StatusWaitCopy         Status = "waitCopy"
	StatusWaitFavorite     Status = "waitFavorite"
)

// Terminal reports whether the status represents idle/terminal success.
func (s Status) Terminal() bool { return s == StatusNormal }

// Active reports whether a transfer is currently moving bytes.
func (s Status) Active() bool {
	return s == StatusUploading || s == StatusDownloading
}

// Waiting reports whether the item is queued for pipeline pickup.
func (s Status) Waiting() bool {
	switch s {
	case StatusWaitCreateFolder, StatusWaitUpload, StatusWaitDownload,
		StatusWaitDelete, StatusWaitRename, StatusWaitMove,
		StatusWaitCopy, StatusWaitFavorite:
		return true
	}
	return false
}

// Failed reports whether the item is parked in an error state.
func (s Status) Failed() bool {
	return s == StatusUploadError || s == StatusDownloadError
}

// WaitState returns the wait status an active or failed transfer falls
// back to when it must be retried.
func (s Status) WaitState() Status {
	switch s {
	case StatusUploading, StatusUploadError:
		return StatusWaitUpload
	case StatusDownloading, StatusDownloadError:
		return StatusWaitDownload
	}
	return s
}

// Lane identifies the transport lane a transfer is assigned to. Background
// lanes survive process suspension; the WWAN lane additionally refuses to
// run unless the device is on Wi-Fi or Ethernet.
type Lane string

const (
	LaneForeground     Lane = "foreground"
	LaneBackground     Lane = "background"
	LaneBackgroundWWAN Lane = "backgroundWWAN"
	LaneBackgroundExt  Lane = "backgroundExt"
)

// Lanes lists every lane the zombie reconciler sweeps.
func Lanes() []Lane {
	return []Lane{LaneForeground, LaneBackground, LaneBackgroundWWAN, LaneBackgroundExt}
}
