// Package e2ee coordinates updates to the encrypted metadata document of
// end-to-end encrypted folders. Every mutation runs under the server-side
// folder lock and a process-local per-folder mutex, following the
// lock, fetch, mutate, publish, unlock sequence the server protocol
// requires.
package e2ee

import (
	"context"
	"fmt"
	"sync"

	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/cryptox"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/models"
	"github.com/driveq/driveq/internal/remote"
)

// Coordinator serializes metadata updates per encrypted folder.
type Coordinator struct {
	remote remote.Service
	cipher *cryptox.Cipher
	log    logging.Logger

	mu      sync.Mutex
	folders map[string]*sync.Mutex
}

func New(rem remote.Service, cipher *cryptox.Cipher, log logging.Logger) *Coordinator {
	return &Coordinator{
		remote:  rem,
		cipher:  cipher,
		log:     log,
		folders: make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) folderLock(folderID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.folders[folderID]
	if !ok {
		m = &sync.Mutex{}
		c.folders[folderID] = m
	}
	return m
}

// Update applies mutate to the folder's metadata document under both
// locks. A mutate error abandons the update without publishing; the server
// lock is released either way. Publishing picks the HTTP verb from the
// document transition: first publish posts, later updates put, and a
// document mutated down to empty is deleted.
func (c *Coordinator) Update(ctx context.Context, folderID string, mutate func(doc *models.MetadataDocument) error) error {
	m := c.folderLock(folderID)
	m.Lock()
	defer m.Unlock()

	token, err := c.remote.LockFolder(ctx, folderID)
	if err != nil {
		return fmt.Errorf("locking folder %s: %w", folderID, err)
	}
	defer func() {
		if uerr := c.remote.UnlockFolder(ctx, folderID, token); uerr != nil {
			c.log.Error(ctx, "unlock failed, lock will expire server-side",
				"folder", folderID, "error", uerr)
		}
	}()

	raw, err := c.remote.GetEncryptedMetadata(ctx, folderID, token)
	if err != nil {
		return fmt.Errorf("fetching metadata for %s: %w", folderID, err)
	}

	doc := models.NewMetadataDocument()
	existed := raw != ""
	if existed {
		if err := c.cipher.Open(raw, doc); err != nil {
			return fmt.Errorf("decoding metadata for %s: %w", folderID, err)
		}
	}

	if err := mutate(doc); err != nil {
		return err
	}

	if doc.Empty() {
		if !existed {
			return nil
		}
		if err := c.remote.PutEncryptedMetadata(ctx, folderID, token, "", remote.MetadataDelete); err != nil {
			return fmt.Errorf("removing metadata for %s: %w", folderID, err)
		}
		return nil
	}

	doc.Version++
	sealed, err := c.cipher.Seal(doc)
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", folderID, err)
	}
	method := remote.MetadataPost
	if existed {
		method = remote.MetadataPut
	}
	if err := c.remote.PutEncryptedMetadata(ctx, folderID, token, sealed, method); err != nil {
		return fmt.Errorf("publishing metadata for %s: %w", folderID, err)
	}
	return nil
}

// RegisterFile records an uploaded file's key material in the folder
// document.
func (c *Coordinator) RegisterFile(ctx context.Context, folderID, name string, entry models.MetadataEntry) error {
	return c.Update(ctx, folderID, func(doc *models.MetadataDocument) error {
		doc.Entries[name] = entry
		return nil
	})
}

// RenameFile moves an entry to a new name. Renaming onto an existing entry
// fails with ErrAlreadyExists before anything is mutated.
func (c *Coordinator) RenameFile(ctx context.Context, folderID, oldName, newName string) error {
	return c.Update(ctx, folderID, func(doc *models.MetadataDocument) error {
		if _, taken := doc.Entries[newName]; taken {
			return fmt.Errorf("rename to %s: %w", newName, common.ErrAlreadyExists)
		}
		entry, ok := doc.Entries[oldName]
		if !ok {
			return fmt.Errorf("rename %s: %w", oldName, common.ErrNotFound)
		}
		delete(doc.Entries, oldName)
		doc.Entries[newName] = entry
		return nil
	})
}

// RemoveFile drops an entry. Removing an absent entry is a no-op so delete
// retries stay idempotent.
func (c *Coordinator) RemoveFile(ctx context.Context, folderID, name string) error {
	return c.Update(ctx, folderID, func(doc *models.MetadataDocument) error {
		delete(doc.Entries, name)
		return nil
	})
}
