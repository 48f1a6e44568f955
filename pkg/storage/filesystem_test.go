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

func TestFileSystemPackageStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFileSystemPackageStore(root)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "abc.zip", strings.NewReader("archive bytes")))

	_, err = os.Stat(filepath.Join(root, "abc.zip"))
	require.NoError(t, err)

	rc, err := store.Get(ctx, "abc.zip")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(data))

	require.NoError(t, store.Delete(ctx, "abc.zip"))
	require.NoError(t, store.Delete(ctx, "abc.zip"))

	_, err = store.Get(ctx, "abc.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystemPackageStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileSystemPackageStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "p.zip", strings.NewReader("one")))
	require.NoError(t, store.Put(ctx, "p.zip", strings.NewReader("two")))

	rc, err := store.Get(ctx, "p.zip")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestFileSystemPackageStore_RejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileSystemPackageStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.Put(ctx, "../escape.zip", strings.NewReader("x")))
	_, err = store.Get(ctx, "")
	assert.Error(t, err)
}
