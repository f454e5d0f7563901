package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bytesDownloader struct {
	data []byte
	err  error
}

func (d bytesDownloader) Download(_ context.Context, _ string, dest string) (int64, error) {
	if d.err != nil {
		return 0, d.err
	}
	if err := os.WriteFile(dest, d.data, 0o600); err != nil {
		return 0, err
	}
	return int64(len(d.data)), nil
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const archiveURL = "https://data.example/public/EGS/2016/RiverIce/CAN/ON/RiverIce_CAN_ON_Moose_20160503_232950.zip"

func TestFetchExtractAndLocate(t *testing.T) {
	t.Parallel()

	scratch := filepath.Join(t.TempDir(), "scratch")
	data := buildZip(t, map[string]string{
		"RiverIce_CAN_ON_Moose_20160503_232950.tif": "raster",
		"RiverIce_CAN_ON_Moose_20160503_232950.xml": "meta",
		"readme.tif":              "other",
		"sub/RiverIce_nested.tif": "nested",
	})
	m := NewManager(scratch, bytesDownloader{data: data}, nil)

	fetched, err := m.FetchExtract(context.Background(), archiveURL)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(scratch, "RiverIce_CAN_ON_Moose_20160503_232950.zip"), fetched.ArchivePath)
	assert.Equal(t, filepath.Join(scratch, "RiverIce_CAN_ON_Moose_20160503_232950"), fetched.ExtractDir)
	assert.Equal(t, 4, fetched.Files)

	assets, err := Locate(fetched.ExtractDir, "RiverIce", ".tif")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "RiverIce_CAN_ON_Moose_20160503_232950.tif", assets[0].Name)
	assert.Equal(t, filepath.Join(fetched.ExtractDir, assets[0].Name), assets[0].Path)

	require.NoError(t, m.Cleanup(fetched))
	_, err = os.Stat(fetched.ExtractDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fetched.ArchivePath)
	assert.True(t, os.IsNotExist(err))
}

func TestLocateEmptyIsNotAnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600))
	assets, err := Locate(dir, "RiverIce", ".tif")
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestFetchExtractDownloadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("timeout")
	m := NewManager(t.TempDir(), bytesDownloader{err: boom}, nil)
	_, err := m.FetchExtract(context.Background(), archiveURL)
	require.ErrorIs(t, err, boom)
}

func TestFetchExtractCorruptArchive(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir(), bytesDownloader{data: []byte("not a zip")}, nil)
	_, err := m.FetchExtract(context.Background(), archiveURL)
	require.Error(t, err)
}

func TestExtractRejectsZipSlip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(src, buildZip(t, map[string]string{"../../escape.txt": "x"}), 0o600))
	_, err := Extract(src, filepath.Join(dir, "out"))
	require.ErrorIs(t, err, ErrUnsafePath)
}

func TestCleanupRefusesPathsOutsideScratch(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()
	m := NewManager(t.TempDir(), nil, nil)
	err := m.Cleanup(Fetched{ExtractDir: outside})
	require.ErrorIs(t, err, ErrUnsafePath)
	_, statErr := os.Stat(outside)
	require.NoError(t, statErr)
}
