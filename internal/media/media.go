// Package media feeds auto-upload. A Source enumerates local assets
// (photos, videos) and hands out their bytes; the Watcher turns new assets
// into queued uploads and removes the local copy once the server confirms
// it.
package media

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/driveq/driveq/internal/common"
)

// Asset is one local media file a Source exposes.
type Asset struct {
	// ID identifies the asset within its source and stays stable across
	// enumerations.
	ID       string
	Name     string
	Size     int64
	Modified time.Time
}

// Source enumerates local media assets.
type Source interface {
	// Enumerate lists all assets, oldest modification first.
	Enumerate(ctx context.Context) ([]Asset, error)

	// Content returns a local filesystem path holding the asset's bytes.
	Content(ctx context.Context, id string) (string, error)

	// Remove deletes the local asset. Missing assets are not an error.
	Remove(ctx context.Context, id string) error
}

// mediaExts are the extensions a DirSource considers media.
var mediaExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".heic": {}, ".heif": {}, ".dng": {}, ".raw": {},
	".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {}, ".webm": {},
}

// DirSource is a Source backed by a directory tree, e.g. a camera-roll
// mount. Asset IDs are paths relative to the root.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

var _ Source = (*DirSource)(nil)

func (s *DirSource) Enumerate(ctx context.Context) ([]Asset, error) {
	var assets []Asset
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := mediaExts[strings.ToLower(filepath.Ext(p))]; !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		assets = append(assets, Asset{
			ID:       filepath.ToSlash(rel),
			Name:     d.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerating %s: %w", s.root, err)
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].Modified.Equal(assets[j].Modified) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].Modified.Before(assets[j].Modified)
	})
	return assets, nil
}

func (s *DirSource) Content(ctx context.Context, id string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(id))
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("asset %s: %w", id, common.ErrNotFound)
		}
		return "", err
	}
	return p, nil
}

func (s *DirSource) Remove(ctx context.Context, id string) error {
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(id)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing asset %s: %w", id, err)
	}
	return nil
}
