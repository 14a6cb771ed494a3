package htmlcache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
	"github.com/lsst-sqre/times-square-go/internal/storage/objectstore"
)

var _ repo.HTMLCache = (*Cache)(nil)

func newTestCache(t *testing.T) (*Cache, *objectstore.MemoryStore) {
	t.Helper()
	store := objectstore.NewMemoryStore()
	cache, err := New(store, Config{Bucket: "html", LRUSize: 8, LRUTTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return cache, store
}

func TestPutGetThroughObjectStore(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()
	entry := domain.NbHTML{PageName: "p", Fingerprint: "p/a=1", HTML: "<p>hi</p>", HTMLHash: domain.HashHTML("<p>hi</p>"), HideCode: true}

	if err := cache.Put(ctx, "p/a=1/ts_hide_code=1", entry); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	info, err := store.Stat(ctx, "html", "nbhtml/p/a=1/ts_hide_code=1")
	if err != nil {
		t.Fatalf("object not written: %v", err)
	}
	if info.Metadata["ts-html-hash"] != entry.HTMLHash || info.Metadata["ts-page"] != "p" || info.Metadata["ts-hide-code"] != "true" {
		t.Fatalf("metadata=%v", info.Metadata)
	}

	// A second cache over the same bucket reads through the store.
	other, err := New(store, Config{Bucket: "html"}, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	got, err := other.Get(ctx, "p/a=1/ts_hide_code=1")
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.HTML != entry.HTML || got.HTMLHash != entry.HTMLHash || !got.HideCode {
		t.Fatalf("Get()=%+v", got)
	}
}

func TestGetMissingAndExpired(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	if _, err := cache.Get(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Get() err=%v, want ErrNotFound", err)
	}

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	expires := now.Add(time.Minute)
	_ = cache.Put(ctx, "p/", domain.NbHTML{HTML: "x", ExpiresAt: &expires})
	if _, err := cache.Get(ctx, "p/"); err != nil {
		t.Fatalf("Get() before expiry err=%v", err)
	}
	cache.now = func() time.Time { return expires.Add(time.Second) }
	if _, err := cache.Get(ctx, "p/"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Get() after expiry err=%v", err)
	}
}

func TestExpiredObjectDroppedBeforeDecode(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	// An object written by another replica with a past expiry and a body
	// that would not decode.
	body := "not json"
	opts := objectstore.PutOptions{ContentType: "application/json", Expires: now.Add(-time.Minute)}
	if err := store.Put(ctx, "html", "nbhtml/p/ts_hide_code=1", strings.NewReader(body), int64(len(body)), opts); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	if _, err := cache.Get(ctx, "p/ts_hide_code=1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Get() err=%v, want ErrNotFound", err)
	}
	if _, err := store.Stat(ctx, "html", "nbhtml/p/ts_hide_code=1"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expired object kept: %v", err)
	}
}

func TestDeletePrefixLeavesOtherPages(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()
	for _, key := range []string{"p/a=1/ts_hide_code=1", "p/a=1/ts_hide_code=0", "p/a=2/ts_hide_code=1", "pp/ts_hide_code=1"} {
		if err := cache.Put(ctx, key, domain.NbHTML{HTML: key}); err != nil {
			t.Fatalf("Put(%s) err=%v", key, err)
		}
	}
	if err := cache.DeletePrefix(ctx, domain.FingerprintPrefix("p")); err != nil {
		t.Fatalf("DeletePrefix() err=%v", err)
	}
	for _, key := range []string{"p/a=1/ts_hide_code=1", "p/a=1/ts_hide_code=0", "p/a=2/ts_hide_code=1"} {
		if _, err := cache.Get(ctx, key); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("Get(%s) survived purge: %v", key, err)
		}
	}
	if _, err := cache.Get(ctx, "pp/ts_hide_code=1"); err != nil {
		t.Fatalf("purge removed another page: %v", err)
	}
	remaining, _ := store.List(ctx, "html", "nbhtml/")
	if len(remaining) != 1 {
		t.Fatalf("remaining objects=%d, want 1", len(remaining))
	}

	if err := cache.Delete(ctx, "pp/ts_hide_code=1"); err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if err := cache.Delete(ctx, "pp/ts_hide_code=1"); err != nil {
		t.Fatalf("Delete() of missing key err=%v", err)
	}
}
