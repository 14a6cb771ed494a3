// Package htmlcache stores rendered page HTML in object storage behind a
// small in-process LRU.
package htmlcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/platform/env"
	platformstore "github.com/lsst-sqre/times-square-go/internal/platform/objectstore"
	"github.com/lsst-sqre/times-square-go/internal/repo"
	"github.com/lsst-sqre/times-square-go/internal/storage/objectstore"
)

const keyPrefix = platformstore.HTMLPrefix

// Object metadata written alongside each entry.
const (
	metaPage     = "ts-page"
	metaHTMLHash = "ts-html-hash"
	metaHideCode = "ts-hide-code"
)

type Config struct {
	Bucket  string
	LRUSize int
	// LRUTTL bounds how long a replica may serve an entry another replica
	// has already deleted.
	LRUTTL time.Duration
}

func ConfigFromEnv(bucket string) (Config, error) {
	size, err := env.Int("TS_HTML_LRU_SIZE", 256)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Duration("TS_HTML_LRU_TTL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	if size <= 0 || ttl <= 0 {
		return Config{}, errors.New("TS_HTML_LRU_SIZE and TS_HTML_LRU_TTL must be positive")
	}
	return Config{Bucket: bucket, LRUSize: size, LRUTTL: ttl}, nil
}

type Cache struct {
	store  objectstore.Store
	bucket string
	front  *expirable.LRU[string, domain.NbHTML]
	logger *slog.Logger
	now    func() time.Time
}

func New(store objectstore.Store, cfg Config, logger *slog.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("html bucket is required")
	}
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = 256
	}
	if cfg.LRUTTL <= 0 {
		cfg.LRUTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		bucket: cfg.Bucket,
		front:  expirable.NewLRU[string, domain.NbHTML](cfg.LRUSize, nil, cfg.LRUTTL),
		logger: logger.With("component", "html_cache"),
		now:    time.Now,
	}, nil
}

func objectKey(key string) string {
	return keyPrefix + key
}

func (c *Cache) Get(ctx context.Context, key string) (domain.NbHTML, error) {
	if c == nil {
		return domain.NbHTML{}, fmt.Errorf("html cache not initialized")
	}
	if entry, ok := c.front.Get(key); ok {
		if !entry.Expired(c.now()) {
			return entry, nil
		}
		c.front.Remove(key)
	}

	rc, info, err := c.store.Get(ctx, c.bucket, objectKey(key))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return domain.NbHTML{}, repo.ErrNotFound
		}
		return domain.NbHTML{}, fmt.Errorf("get html %s: %w", key, err)
	}
	defer rc.Close()
	if info.Expired(c.now()) {
		c.dropExpired(ctx, key)
		return domain.NbHTML{}, repo.ErrNotFound
	}

	var entry domain.NbHTML
	if err := json.NewDecoder(io.LimitReader(rc, 256<<20)).Decode(&entry); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return domain.NbHTML{}, repo.ErrNotFound
		}
		return domain.NbHTML{}, fmt.Errorf("decode html %s: %w", key, err)
	}
	if entry.Expired(c.now()) {
		c.dropExpired(ctx, key)
		return domain.NbHTML{}, repo.ErrNotFound
	}
	c.front.Add(key, entry)
	return entry, nil
}

func (c *Cache) dropExpired(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, c.bucket, objectKey(key)); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		c.logger.Warn("delete expired html failed", "key", key, "error", err)
	}
}

func putOptions(html domain.NbHTML) objectstore.PutOptions {
	opts := objectstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			metaPage:     html.PageName,
			metaHTMLHash: html.HTMLHash,
			metaHideCode: strconv.FormatBool(html.HideCode),
		},
	}
	if html.ExpiresAt != nil {
		opts.Expires = html.ExpiresAt.UTC()
	}
	return opts
}

// Put replaces the entry as a single object write.
func (c *Cache) Put(ctx context.Context, key string, html domain.NbHTML) error {
	if c == nil {
		return fmt.Errorf("html cache not initialized")
	}
	data, err := json.Marshal(html)
	if err != nil {
		return fmt.Errorf("encode html %s: %w", key, err)
	}
	if err := c.store.Put(ctx, c.bucket, objectKey(key), bytes.NewReader(data), int64(len(data)), putOptions(html)); err != nil {
		return err
	}
	c.front.Add(key, html)
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if c == nil {
		return fmt.Errorf("html cache not initialized")
	}
	c.front.Remove(key)
	if err := c.store.Delete(ctx, c.bucket, objectKey(key)); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return fmt.Errorf("delete html %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix, such as
// all instances of one page.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	if c == nil {
		return fmt.Errorf("html cache not initialized")
	}
	for _, key := range c.front.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.front.Remove(key)
		}
	}
	objects, err := c.store.List(ctx, c.bucket, objectKey(prefix))
	if err != nil {
		return fmt.Errorf("list html %s: %w", prefix, err)
	}
	for _, obj := range objects {
		if err := c.store.Delete(ctx, c.bucket, obj.Key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return fmt.Errorf("delete html %s: %w", obj.Key, err)
		}
	}
	if len(objects) > 0 {
		c.logger.Info("html purged", "prefix", prefix, "objects", len(objects))
	}
	return nil
}
