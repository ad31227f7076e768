package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPutGetList(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	require.NoError(t, store.Put(ctx, "backups/20250101_020000/postgres_all.sql.zst", strings.NewReader("data"), 4, nil))
	require.NoError(t, store.Put(ctx, "backups/20250101_020000/manifest.json", strings.NewReader("{}"), 2, nil))

	rc, err := store.Get(ctx, "backups/20250101_020000/postgres_all.sql.zst")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "data", string(body))

	objects, err := store.List(ctx, "backups")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	manifests := 0
	for _, obj := range objects {
		if obj.IsManifest {
			manifests++
		}
	}
	assert.Equal(t, 1, manifests)

	info, err := store.Stat(ctx, "backups/20250101_020000/manifest.json")
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.Size)
}

func TestLocalPutLeavesNoTempOnFailure(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store := NewLocal(base)

	err := store.Put(ctx, "b/1/file", &failingReader{}, -1, nil)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(base, "b", "1"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	exists, err := store.Exists(ctx, "b/1/file")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalDeletePrunesEmptyDirs(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store := NewLocal(base)

	require.NoError(t, store.Put(ctx, "backups/20250101_020000/manifest.json", strings.NewReader("{}"), 2, nil))
	require.NoError(t, store.Delete(ctx, "backups/20250101_020000/manifest.json"))

	_, err := os.Stat(filepath.Join(base, "backups"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(base)
	assert.NoError(t, err)
}

func TestIsNotExist(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	_, err := store.Get(ctx, "missing")
	assert.True(t, IsNotExist(err))
	assert.False(t, IsNotExist(nil))
}

func TestListMissingPrefix(t *testing.T) {
	store := NewLocal(t.TempDir())
	objects, err := store.List(context.Background(), "nothing/here")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
