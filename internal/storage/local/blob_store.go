// Package local implements a local filesystem object store. Buckets map to
// directories under BaseDir.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/storage"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where buckets are created.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes objects to the local filesystem. Access policies are ignored.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// List returns the file names directly under prefix.
func (s *BlobStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	dirPrefix, filePrefix := prefix, ""
	if !strings.HasSuffix(prefix, "/") {
		dirPrefix, filePrefix = filepath.Dir(prefix), filepath.Base(prefix)
	}
	dir, err := s.resolve(bucket, dirPrefix)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// GetText reads a file as text.
func (s *BlobStore) GetText(_ context.Context, bucket, key string) (string, error) {
	full, err := s.resolve(bucket, key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full) //nolint:gosec // resolve rejects traversal
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("get %s/%s: %w", bucket, key, storage.ErrNotFound)
		}
		return "", fmt.Errorf("failed to read %s: %w", full, err)
	}
	return string(data), nil
}

// PutText writes text to bucket/key.
func (s *BlobStore) PutText(_ context.Context, bucket, key, text string, _ *pipeline.AccessPolicy) error {
	return s.write(bucket, key, strings.NewReader(text))
}

// PutFile copies a local file to bucket/key.
func (s *BlobStore) PutFile(_ context.Context, bucket, key, localPath string, _ *pipeline.AccessPolicy) error {
	f, err := os.Open(localPath) //nolint:gosec // caller supplies scratch paths
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()
	return s.write(bucket, key, f)
}

// Copy duplicates an object.
func (s *BlobStore) Copy(_ context.Context, srcBucket, srcKey, dstBucket, dstKey string, _ *pipeline.AccessPolicy) error {
	src, err := s.resolve(srcBucket, srcKey)
	if err != nil {
		return err
	}
	f, err := os.Open(src) //nolint:gosec // resolve rejects traversal
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("copy %s/%s: %w", srcBucket, srcKey, storage.ErrNotFound)
		}
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()
	return s.write(dstBucket, dstKey, f)
}

// Delete removes an object.
func (s *BlobStore) Delete(_ context.Context, bucket, key string) error {
	full, err := s.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s/%s: %w", bucket, key, storage.ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s: %w", full, err)
	}
	return nil
}

func (s *BlobStore) write(bucket, key string, data io.Reader) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	fullPath, err := s.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	out, err := os.Create(fullPath) //nolint:gosec // resolve rejects traversal
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, data); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// resolve maps bucket/key to a path and verifies it stays within baseDir.
func (s *BlobStore) resolve(bucket, key string) (string, error) {
	if strings.TrimSpace(bucket) == "" {
		return "", fmt.Errorf("bucket is required")
	}
	fullPath := filepath.Join(s.baseDir, bucket, filepath.FromSlash(key))
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
