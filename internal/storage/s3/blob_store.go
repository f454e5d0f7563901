// Package s3 provides an object store backed by Amazon S3 or an S3-compatible
// endpoint.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	appstorage "github.com/JakeFAU/river-ice-cog/internal/storage"
)

// Config captures optional overrides for the S3 client.
type Config struct {
	Region string
	// Endpoint points the client at an S3-compatible service. Falls back to
	// AWS_ENDPOINT_URL_S3.
	Endpoint string
	// UsePathStyle forces path-style addressing. Also enabled by
	// AWS_S3_FORCE_PATH_STYLE=true.
	UsePathStyle bool
}

// api is the subset of *s3.Client the store calls.
type api interface {
	s3.ListObjectsV2APIClient
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// BlobStore implements pipeline.ObjectStore with canned grant headers.
type BlobStore struct {
	client api
}

// New loads the default AWS configuration chain and builds a store.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = os.Getenv("AWS_ENDPOINT_URL_S3")
		}
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle || strings.EqualFold(os.Getenv("AWS_S3_FORCE_PATH_STYLE"), "true") {
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client) *BlobStore {
	return &BlobStore{client: client}
}

// List returns object names directly under prefix across all pages.
func (s *BlobStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return appstorage.BaseNames(prefix, keys), nil
}

// GetText reads an object as text.
func (s *BlobStore) GetText(ctx context.Context, bucket, key string) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", mapErr(fmt.Sprintf("get s3://%s/%s", bucket, key), err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	return string(data), nil
}

// PutText uploads text content.
func (s *BlobStore) PutText(ctx context.Context, bucket, key, text string, policy *pipeline.AccessPolicy) error {
	return s.put(ctx, bucket, key, "text/plain; charset=utf-8", strings.NewReader(text), policy)
}

// PutFile uploads a local file, switching to multipart uploads for large rasters.
func (s *BlobStore) PutFile(ctx context.Context, bucket, key, localPath string, policy *pipeline.AccessPolicy) error {
	f, err := os.Open(localPath) //nolint:gosec // caller supplies scratch paths
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()
	in, err := putInput(bucket, key, contentType(key), f, policy)
	if err != nil {
		return err
	}
	if _, err := manager.NewUploader(s.client).Upload(ctx, in); err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// Copy duplicates an object server side and applies policy to the copy.
func (s *BlobStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, policy *pipeline.AccessPolicy) error {
	in := &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + (&url.URL{Path: srcKey}).EscapedPath()),
	}
	if policy != nil {
		in.GrantRead = optional(policy.GrantRead)
		in.GrantFullControl = optional(policy.GrantFullControl)
	}
	if _, err := s.client.CopyObject(ctx, in); err != nil {
		return mapErr(fmt.Sprintf("copy s3://%s/%s", srcBucket, srcKey), err)
	}
	return nil
}

// Delete removes an object. S3 treats deleting a missing key as success.
func (s *BlobStore) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return mapErr(fmt.Sprintf("delete s3://%s/%s", bucket, key), err)
	}
	return nil
}

func (s *BlobStore) put(ctx context.Context, bucket, key, ctype string, body io.Reader, policy *pipeline.AccessPolicy) error {
	in, err := putInput(bucket, key, ctype, body, policy)
	if err != nil {
		return err
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func putInput(bucket, key, ctype string, body io.Reader, policy *pipeline.AccessPolicy) (*s3.PutObjectInput, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("key is required")
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(ctype),
	}
	if policy != nil {
		in.GrantRead = optional(policy.GrantRead)
		in.GrantFullControl = optional(policy.GrantFullControl)
	}
	return in, nil
}

func mapErr(op string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%s: %w", op, appstorage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return aws.String(v)
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
