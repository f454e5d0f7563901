package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	appstorage "github.com/JakeFAU/river-ice-cog/internal/storage"
)

var policy = &pipeline.AccessPolicy{
	GrantRead:        `uri="http://acs.amazonaws.com/groups/global/AllUsers"`,
	GrantFullControl: `id="owner-canonical-id"`,
}

type fakeAPI struct {
	pages   []*s3.ListObjectsV2Output
	objects map[string]string
	puts    []*s3.PutObjectInput
	copies  []*s3.CopyObjectInput
	putErr  error
}

func (f *fakeAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	idx := 0
	if in.ContinuationToken != nil {
		idx = 1
	}
	return f.pages[idx], nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeAPI) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeAPI) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeAPI) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeAPI) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.copies = append(f.copies, in)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, _ *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return &s3.DeleteObjectOutput{}, nil
}

func TestListFollowsPages(t *testing.T) {
	t.Parallel()

	fake := &fakeAPI{pages: []*s3.ListObjectsV2Output{
		{
			Contents:              []types.Object{{Key: aws.String("river/cog/")}, {Key: aws.String("river/cog/a.tif")}},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("next"),
		},
		{
			Contents:    []types.Object{{Key: aws.String("river/cog/b.tif")}},
			IsTruncated: aws.Bool(false),
		},
	}}
	store := &BlobStore{client: fake}
	names, err := store.List(context.Background(), "bucket", "river/cog/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tif", "b.tif"}, names)
}

func TestGetTextMapsNoSuchKey(t *testing.T) {
	t.Parallel()

	store := &BlobStore{client: &fakeAPI{objects: map[string]string{"river/log.txt": " \nurl"}}}
	got, err := store.GetText(context.Background(), "bucket", "river/log.txt")
	require.NoError(t, err)
	assert.Equal(t, " \nurl", got)

	_, err = store.GetText(context.Background(), "bucket", "river/missing.txt")
	require.True(t, errors.Is(err, appstorage.ErrNotFound), "got %v", err)
}

func TestPutFileSetsGrants(t *testing.T) {
	t.Parallel()

	fake := &fakeAPI{}
	store := &BlobStore{client: fake}
	src := filepath.Join(t.TempDir(), "a.tif")
	require.NoError(t, os.WriteFile(src, []byte("tif"), 0o600))

	require.NoError(t, store.PutFile(context.Background(), "bucket", "river/cog/a.tif", src, policy))
	require.Len(t, fake.puts, 1)
	in := fake.puts[0]
	assert.Equal(t, "river/cog/a.tif", aws.ToString(in.Key))
	assert.Equal(t, "image/tiff", aws.ToString(in.ContentType))
	assert.Equal(t, policy.GrantRead, aws.ToString(in.GrantRead))
	assert.Equal(t, policy.GrantFullControl, aws.ToString(in.GrantFullControl))

	fake.putErr = errors.New("slow down")
	require.ErrorContains(t, store.PutFile(context.Background(), "bucket", "river/cog/a.tif", src, policy), "slow down")
	require.Error(t, store.PutFile(context.Background(), "bucket", "river/cog/a.tif", filepath.Join(t.TempDir(), "missing.tif"), policy))
}

func TestPutTextWithoutPolicy(t *testing.T) {
	t.Parallel()

	fake := &fakeAPI{}
	store := &BlobStore{client: fake}
	require.NoError(t, store.PutText(context.Background(), "bucket", "river/lastRun.txt", "report", nil))
	require.Len(t, fake.puts, 1)
	assert.Nil(t, fake.puts[0].GrantRead)
	assert.Nil(t, fake.puts[0].GrantFullControl)

	fake.putErr = errors.New("access denied")
	require.Error(t, store.PutText(context.Background(), "bucket", "river/lastRun.txt", "report", nil))
}

func TestCopyEscapesSource(t *testing.T) {
	t.Parallel()

	fake := &fakeAPI{}
	store := &BlobStore{client: fake}
	require.NoError(t, store.Copy(context.Background(), "src", "river/river ice legend.png", "dst", "river/x_legend.png", policy))
	require.Len(t, fake.copies, 1)
	assert.Equal(t, "src/river/river%20ice%20legend.png", aws.ToString(fake.copies[0].CopySource))
	assert.Equal(t, "dst", aws.ToString(fake.copies[0].Bucket))
	assert.Equal(t, policy.GrantRead, aws.ToString(fake.copies[0].GrantRead))
}

func TestPutTextAgainstEndpointSendsGrantHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
	})
	store := NewWithClient(client)
	require.NoError(t, store.PutText(context.Background(), "datacube-stage-data-public", "river/log.txt", " ", policy))
	assert.Equal(t, "/datacube-stage-data-public/river/log.txt", path)
	assert.Equal(t, policy.GrantRead, got.Get("X-Amz-Grant-Read"))
	assert.Equal(t, policy.GrantFullControl, got.Get("X-Amz-Grant-Full-Control"))
}
