// Package filex defines the on-disk layout of the app-shared data directory
// and small file helpers used by the transfer engine.
package filex

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EnsureDir creates dir (and parents) if missing and returns it.
func EnsureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// ChunkDir returns the staging directory holding the split parts of a
// chunked upload.
func ChunkDir(dataDir, itemID string) string {
	return filepath.Join(dataDir, "chunks", itemID)
}

// StagingPath returns the local source path of a queued upload.
func StagingPath(dataDir, transferID, fileName string) string {
	return filepath.Join(dataDir, "uploads", transferID, fileName)
}

// CachePath returns the local cache location of a file's bytes under its
// final server-assigned id.
func CachePath(dataDir, id, fileName string) string {
	return filepath.Join(dataDir, "cache", id, fileName)
}

// SnapshotPath returns the location of a named JSON snapshot store.
func SnapshotPath(dataDir, name string) string {
	return filepath.Join(dataDir, name+".json")
}

// SizeOnDisk returns the byte size of path, or 0 when the file is missing.
func SizeOnDisk(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// CopyFile copies src to dst, creating dst's directory as needed.
func CopyFile(src, dst string) error {
	if _, err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Sync()
}
