package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/storage"
)

func TestBlobStorePutTextCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	policy := &pipeline.AccessPolicy{GrantRead: "all", GrantFullControl: "owner"}
	if err := store.PutText(ctx, "b", "river/log.txt", " \nurl", policy); err != nil {
		t.Fatalf("PutText() error = %v", err)
	}
	policy.GrantRead = "changed"

	got, err := store.GetText(ctx, "b", "river/log.txt")
	if err != nil {
		t.Fatalf("GetText() error = %v", err)
	}
	if got != " \nurl" {
		t.Fatalf("unexpected content %q", got)
	}
	if p := store.Policy("b", "river/log.txt"); p == nil || p.GrantRead != "all" {
		t.Fatalf("expected stored policy copy, got %+v", p)
	}
}

func TestBlobStoreGetTextMissing(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetText(context.Background(), "b", "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBlobStoreListCopyDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	src := filepath.Join(t.TempDir(), "a.tif")
	if err := os.WriteFile(src, []byte("tif"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := store.PutFile(ctx, "b", "river/cog/a.tif", src, nil); err != nil {
		t.Fatalf("PutFile() error = %v", err)
	}
	if err := store.Copy(ctx, "b", "river/cog/a.tif", "b", "river/cog/b.tif", nil); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if err := store.PutText(ctx, "other", "river/cog/c.tif", "x", nil); err != nil {
		t.Fatalf("PutText() error = %v", err)
	}

	names, err := store.List(ctx, "b", "river/cog/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != 2 || names[0] != "a.tif" || names[1] != "b.tif" {
		t.Fatalf("unexpected names %v", names)
	}

	if err := store.Delete(ctx, "b", "river/cog/a.tif"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := store.Object("b", "river/cog/a.tif"); ok {
		t.Fatal("expected object deleted")
	}
	if err := store.Copy(ctx, "b", "missing", "b", "x", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on copy, got %v", err)
	}
}

func TestBlobStoreFailOn(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	boom := errors.New("denied")
	store.FailOn("b", "k", boom)
	if err := store.PutText(context.Background(), "b", "k", "x", nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestBlobStoreFailNextRecovers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	boom := errors.New("throttled")
	store.FailNext("b", "k", boom)
	if err := store.PutText(ctx, "b", "k", "x", nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := store.PutText(ctx, "b", "k", "y", nil); err != nil {
		t.Fatalf("second write should succeed, got %v", err)
	}
	if got, err := store.GetText(ctx, "b", "k"); err != nil || got != "y" {
		t.Fatalf("unexpected content %q err=%v", got, err)
	}
}
