// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/river-ice-cog/internal/storage"
	"github.com/JakeFAU/river-ice-cog/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(file, nil, 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestTextRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	_, err = store.GetText(ctx, "bucket", "river/log.txt")
	require.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, store.PutText(ctx, "bucket", "river/log.txt", " \nhttps://a/x.zip", nil))
	got, err := store.GetText(ctx, "bucket", "river/log.txt")
	require.NoError(t, err)
	assert.Equal(t, " \nhttps://a/x.zip", got)

	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(filepath.Join(base, "bucket", "river", "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, got, string(raw))
}

func TestFileListCopyDelete(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "a.tif")
	require.NoError(t, os.WriteFile(src, []byte("tif"), 0o600))
	require.NoError(t, store.PutFile(ctx, "bucket", "river/cog/a.tif", src, nil))
	require.NoError(t, store.Copy(ctx, "bucket", "river/cog/a.tif", "bucket", "river/cog/b.tif", nil))
	require.NoError(t, store.PutText(ctx, "bucket", "river/cog/nested/c.tif", "x", nil))

	names, err := store.List(ctx, "bucket", "river/cog/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tif", "b.tif"}, names)

	names, err = store.List(ctx, "bucket", "river/absent/")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Delete(ctx, "bucket", "river/cog/a.tif"))
	err = store.Delete(ctx, "bucket", "river/cog/a.tif")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRejectsTraversal(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	err = store.PutText(context.Background(), "bucket", "../../etc/passwd", "x", nil)
	assert.Error(t, err)
	err = store.PutText(context.Background(), "bucket", "", "x", nil)
	assert.Error(t, err)
}
