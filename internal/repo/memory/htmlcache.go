package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/repo"
)

// HTMLCache keeps rendered pages in a map. Expired entries read as
// missing.
type HTMLCache struct {
	mu      sync.Mutex
	entries map[string]domain.NbHTML
	now     func() time.Time
}

func NewHTMLCache() *HTMLCache {
	return NewHTMLCacheWithClock(time.Now)
}

// NewHTMLCacheWithClock judges expiry against now instead of the wall
// clock.
func NewHTMLCacheWithClock(now func() time.Time) *HTMLCache {
	if now == nil {
		now = time.Now
	}
	return &HTMLCache{entries: make(map[string]domain.NbHTML), now: now}
}

func (c *HTMLCache) Get(_ context.Context, key string) (domain.NbHTML, error) {
	if c == nil {
		return domain.NbHTML{}, fmt.Errorf("html cache not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return domain.NbHTML{}, repo.ErrNotFound
	}
	if entry.Expired(c.now()) {
		delete(c.entries, key)
		return domain.NbHTML{}, repo.ErrNotFound
	}
	return entry, nil
}

func (c *HTMLCache) Put(_ context.Context, key string, html domain.NbHTML) error {
	if c == nil {
		return fmt.Errorf("html cache not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = html
	return nil
}

func (c *HTMLCache) Delete(_ context.Context, key string) error {
	if c == nil {
		return fmt.Errorf("html cache not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *HTMLCache) DeletePrefix(_ context.Context, prefix string) error {
	if c == nil {
		return fmt.Errorf("html cache not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

// Len counts stored entries, expired ones included.
func (c *HTMLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
