package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	appstorage "github.com/JakeFAU/river-ice-cog/internal/storage"
)

const bucketName = "test-bucket"

var publicPolicy = &pipeline.AccessPolicy{
	GrantRead:        `uri="http://acs.amazonaws.com/groups/global/AllUsers"`,
	GrantFullControl: "user-owner@example.com",
}

// newTestStore creates a BlobStore pointed at a test server.
func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client)
	require.NoError(t, err)
	return store
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

func TestPutFileAppliesACL(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "river/cog/a.tif")
		assert.Contains(t, string(body), `"entity":"allUsers"`)
		assert.Contains(t, string(body), `"entity":"user-owner@example.com"`)
		assert.Contains(t, string(body), "raster-bytes")

		fmt.Fprintln(w, `{ "name": "river/cog/a.tif" }`)
	})

	src := filepath.Join(t.TempDir(), "a.tif")
	require.NoError(t, os.WriteFile(src, []byte("raster-bytes"), 0o600))

	store := newTestStore(t, handler)
	err := store.PutFile(context.Background(), bucketName, "river/cog/a.tif", src, publicPolicy)
	assert.NoError(t, err)
}

func TestPutTextError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	store := newTestStore(t, handler)
	err := store.PutText(context.Background(), bucketName, "river/log.txt", " ", nil)
	assert.Error(t, err)
}

func TestListSkipsPrefixes(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, fmt.Sprintf("/b/%s/o", bucketName)), "unexpected path %s", r.URL.Path)
		assert.Equal(t, "river/cog/", r.URL.Query().Get("prefix"))
		assert.Equal(t, "/", r.URL.Query().Get("delimiter"))
		fmt.Fprintln(w, `{
			"kind": "storage#objects",
			"prefixes": ["river/cog/nested/"],
			"items": [
				{"name": "river/cog/"},
				{"name": "river/cog/a.tif"},
				{"name": "river/cog/b.tif"}
			]
		}`)
	})

	store := newTestStore(t, handler)
	names, err := store.List(context.Background(), bucketName, "river/cog/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tif", "b.tif"}, names)
}

func TestDeleteMissingMapsToNotFound(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	store := newTestStore(t, handler)
	err := store.Delete(context.Background(), bucketName, "river/log.txt")
	require.True(t, errors.Is(err, appstorage.ErrNotFound), "got %v", err)
}

func TestGetTextMissingMapsToNotFound(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	store := newTestStore(t, handler)
	_, err := store.GetText(context.Background(), bucketName, "river/log.txt")
	require.True(t, errors.Is(err, appstorage.ErrNotFound), "got %v", err)
}

func TestCopyUsesRewrite(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.Contains(r.URL.Path, "/rewriteTo/"), r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"entity":"allUsers"`)
		fmt.Fprintln(w, `{"kind":"storage#rewriteResponse","done":true,"resource":{"name":"river/b_legend.png"}}`)
	})

	store := newTestStore(t, handler)
	err := store.Copy(context.Background(), bucketName, "river/riverice_legend.png", bucketName, "river/b_legend.png", publicPolicy)
	require.NoError(t, err)
}

func TestACLRules(t *testing.T) {
	t.Parallel()

	assert.Nil(t, aclRules(nil))
	rules := aclRules(publicPolicy)
	require.Len(t, rules, 2)
	assert.Equal(t, storage.AllUsers, rules[0].Entity)
	assert.Equal(t, storage.RoleReader, rules[0].Role)
	assert.Equal(t, storage.RoleOwner, rules[1].Role)
}
