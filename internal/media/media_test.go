package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driveq/driveq/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAsset(t *testing.T, root, rel string, modified time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(rel), 0o600))
	require.NoError(t, os.Chtimes(p, modified, modified))
}

func TestDirSourceEnumerate(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	writeAsset(t, root, "new/IMG_2.jpg", base.Add(time.Hour))
	writeAsset(t, root, "IMG_1.heic", base)
	writeAsset(t, root, "clip.mp4", base.Add(2*time.Hour))
	writeAsset(t, root, "notes.txt", base) // not media

	assets, err := NewDirSource(root).Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 3)

	assert.Equal(t, "IMG_1.heic", assets[0].ID)
	assert.Equal(t, "new/IMG_2.jpg", assets[1].ID)
	assert.Equal(t, "clip.mp4", assets[2].ID)
	assert.Equal(t, "IMG_2.jpg", assets[1].Name)
	assert.Equal(t, int64(len("IMG_1.heic")), assets[0].Size)
}

func TestDirSourceContent(t *testing.T) {
	root := t.TempDir()
	writeAsset(t, root, "IMG_1.jpg", time.Now())
	s := NewDirSource(root)

	p, err := s.Content(context.Background(), "IMG_1.jpg")
	require.NoError(t, err)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "IMG_1.jpg", string(b))

	_, err = s.Content(context.Background(), "missing.jpg")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDirSourceRemoveIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeAsset(t, root, "IMG_1.jpg", time.Now())
	s := NewDirSource(root)

	require.NoError(t, s.Remove(context.Background(), "IMG_1.jpg"))
	require.NoError(t, s.Remove(context.Background(), "IMG_1.jpg"))
	_, err := os.Stat(filepath.Join(root, "IMG_1.jpg"))
	assert.True(t, os.IsNotExist(err))
}
