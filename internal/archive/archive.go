// Package archive downloads source archives into scratch space, unpacks them
// and locates the rasters they contain.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrUnsafePath is returned when an archive entry would escape the extraction dir.
var ErrUnsafePath = errors.New("archive entry escapes extraction directory")

// Downloader stores the body of a URL at a local path.
type Downloader interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// Fetched describes one archive on local disk.
type Fetched struct {
	ArchivePath string
	ExtractDir  string
	Bytes       int64
	Files       int
}

// Manager owns the scratch directory.
type Manager struct {
	scratch    string
	downloader Downloader
	logger     *zap.Logger
}

// NewManager builds a Manager rooted at scratch.
func NewManager(scratch string, downloader Downloader, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{scratch: scratch, downloader: downloader, logger: logger.Named("archive")}
}

// Scratch returns the scratch root.
func (m *Manager) Scratch() string {
	return m.scratch
}

// FetchExtract downloads rawURL to scratch/<name> and extracts it into
// scratch/<name without suffix>/.
func (m *Manager) FetchExtract(ctx context.Context, rawURL string) (Fetched, error) {
	if err := os.MkdirAll(m.scratch, 0o750); err != nil {
		return Fetched{}, fmt.Errorf("create scratch dir: %w", err)
	}
	name := archiveName(rawURL)
	if name == "" || name == "." || name == ".." {
		return Fetched{}, fmt.Errorf("archive name from %q: %w", rawURL, ErrUnsafePath)
	}
	dest := filepath.Join(m.scratch, name)
	n, err := m.downloader.Download(ctx, rawURL, dest)
	if err != nil {
		return Fetched{}, fmt.Errorf("download %s: %w", rawURL, err)
	}
	dir := filepath.Join(m.scratch, strings.TrimSuffix(name, filepath.Ext(name)))
	files, err := Extract(dest, dir)
	if err != nil {
		return Fetched{}, err
	}
	m.logger.Debug("archive extracted",
		zap.String("url", rawURL),
		zap.String("dir", dir),
		zap.Int64("bytes", n),
		zap.Int("files", files),
	)
	return Fetched{ArchivePath: dest, ExtractDir: dir, Bytes: n, Files: files}, nil
}

// Cleanup removes the archive and its extraction directory. Only paths
// inside the scratch root are touched.
func (m *Manager) Cleanup(f Fetched) error {
	var errs []error
	for _, p := range []string{f.ArchivePath, f.ExtractDir} {
		if p == "" {
			continue
		}
		if !within(m.scratch, p) {
			errs = append(errs, fmt.Errorf("refusing to remove %s: %w", p, ErrUnsafePath))
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Extract unpacks the zip at src into dir and returns the number of files written.
func Extract(src, dir string) (int, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open archive %s: %w", src, err)
	}
	defer func() { _ = r.Close() }()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create extract dir: %w", err)
	}
	count := 0
	for _, f := range r.File {
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !within(dir, target) {
			return count, fmt.Errorf("%s: %w", f.Name, ErrUnsafePath)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return count, fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // target checked by within
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil { //nolint:gosec // archives come from a trusted public mirror
		_ = out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

// Asset is a located raster.
type Asset struct {
	Name string
	Path string
}

// Locate lists dir without recursing and returns entries whose names contain
// keyword and end with suffix, in directory order.
func Locate(dir, keyword, suffix string) ([]Asset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var assets []Asset
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.Contains(name, keyword) || !strings.HasSuffix(name, suffix) {
			continue
		}
		assets = append(assets, Asset{Name: name, Path: filepath.Join(dir, name)})
	}
	return assets, nil
}

func archiveName(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	if i := strings.LastIndex(rawURL, "/"); i >= 0 {
		rawURL = rawURL[i+1:]
	}
	return rawURL
}

func within(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
