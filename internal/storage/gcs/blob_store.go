// Package gcs provides an object store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	appstorage "github.com/JakeFAU/river-ice-cog/internal/storage"
)

// BlobStore implements pipeline.ObjectStore against GCS. Access policies are
// applied as object ACLs, so the bucket must use fine-grained access control.
type BlobStore struct {
	client *storage.Client
}

// New creates a GCS-backed blob store.
func New(client *storage.Client) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return &BlobStore{client: client}, nil
}

// List returns object names directly under prefix.
func (s *BlobStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		if attrs.Prefix != "" {
			continue
		}
		keys = append(keys, attrs.Name)
	}
	return appstorage.BaseNames(prefix, keys), nil
}

// GetText downloads an object as text.
func (s *BlobStore) GetText(ctx context.Context, bucket, key string) (string, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", fmt.Errorf("get gs://%s/%s: %w", bucket, key, appstorage.ErrNotFound)
		}
		return "", fmt.Errorf("open reader: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	return string(data), nil
}

// PutText uploads text content.
func (s *BlobStore) PutText(ctx context.Context, bucket, key, text string, policy *pipeline.AccessPolicy) error {
	return s.upload(ctx, bucket, key, "text/plain; charset=utf-8", strings.NewReader(text), policy)
}

// PutFile uploads a local file.
func (s *BlobStore) PutFile(ctx context.Context, bucket, key, localPath string, policy *pipeline.AccessPolicy) error {
	f, err := os.Open(localPath) //nolint:gosec // caller supplies scratch paths
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()
	return s.upload(ctx, bucket, key, contentType(key), f, policy)
}

// Copy rewrites srcKey into dstKey server side.
func (s *BlobStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, policy *pipeline.AccessPolicy) error {
	src := s.client.Bucket(srcBucket).Object(srcKey)
	copier := s.client.Bucket(dstBucket).Object(dstKey).CopierFrom(src)
	copier.ACL = aclRules(policy)
	if _, err := copier.Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("copy gs://%s/%s: %w", srcBucket, srcKey, appstorage.ErrNotFound)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	return nil
}

// Delete removes an object.
func (s *BlobStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete gs://%s/%s: %w", bucket, key, appstorage.ErrNotFound)
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *BlobStore) upload(
	ctx context.Context,
	bucket, key, ctype string,
	r io.Reader,
	policy *pipeline.AccessPolicy,
) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	writer.ContentType = ctype
	writer.ACL = aclRules(policy)
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// aclRules maps the grant pair onto GCS ACL entities. A read grantee naming
// the AllUsers group becomes allUsers; other values are used as entities as is.
func aclRules(policy *pipeline.AccessPolicy) []storage.ACLRule {
	if policy == nil {
		return nil
	}
	var rules []storage.ACLRule
	if policy.GrantRead != "" {
		entity := storage.ACLEntity(policy.GrantRead)
		if strings.Contains(policy.GrantRead, "AllUsers") {
			entity = storage.AllUsers
		}
		rules = append(rules, storage.ACLRule{Entity: entity, Role: storage.RoleReader})
	}
	if policy.GrantFullControl != "" {
		rules = append(rules, storage.ACLRule{Entity: storage.ACLEntity(policy.GrantFullControl), Role: storage.RoleOwner})
	}
	return rules
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".tif"), strings.HasSuffix(key, ".tiff"):
		return "image/tiff"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zip"):
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
