package models

// Chunk is one ordered part of a chunked upload. The ordered parts of an
// item, concatenated, are byte-identical to the source file. A part that
// has been confirmed uploaded is marked and never re-sent.
type Chunk struct {
	ItemID   string // TransferItem.TransferID the part belongs to
	Index    int    // 1-based position within the file
	Name     string // part object name inside the remote chunk folder
	Size     int64
	Folder   string // local staging directory holding the part files
	Uploaded bool
}
