package models

// MetadataEntry describes one file inside an encrypted folder's metadata
// document. The entry key in MetadataDocument.Entries is the cleartext
// file name as seen by this client after decryption.
type MetadataEntry struct {
	FileID string `json:"fileId"`
	// Key and Nonce are base64 payloads, opaque to this client.
	Key      string `json:"key"`
	Nonce    string `json:"nonce"`
	Mimetype string `json:"mimetype,omitempty"`
}

// MetadataDocument is the decoded form of an encrypted folder's metadata.
// It is fetched, mutated and republished under an exclusive server-side
// lock; the Version counter increments on every publish.
type MetadataDocument struct {
	Version int64                    `json:"version"`
	Entries map[string]MetadataEntry `json:"entries"`
}

// NewMetadataDocument returns an empty document ready for its first entry.
func NewMetadataDocument() *MetadataDocument {
	return &MetadataDocument{Version: 0, Entries: map[string]MetadataEntry{}}
}

// Empty reports whether the folder has no encrypted entries left, which
// tells the publisher to DELETE the document instead of replacing it.
func (d *MetadataDocument) Empty() bool { return len(d.Entries) == 0 }
