package retrieval

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

const (
	DefaultCacheTTL      = 24 * time.Hour
	DefaultCacheCapacity = 100
)

type cacheKey struct {
	scope    string
	question string
}

type cacheEntry struct {
	value    string
	storedAt time.Time
}

// Cache holds query results per scope and question. Entries expire after a
// TTL, and once full the oldest inserted entry is evicted. Reads never
// refresh an entry's position.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[cacheKey, cacheEntry]
	ttl     time.Duration
	now     func() time.Time
}

type CacheOption func(*Cache)

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(capacity int, ttl time.Duration, opts ...CacheOption) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	entries, err := lru.New[cacheKey, cacheEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create retrieval cache: %w", err)
	}
	c := &Cache{entries: entries, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns a live entry. Expired entries are removed.
func (c *Cache) Get(scopeID *string, question string) (string, bool) {
	key := newCacheKey(scopeID, question)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Peek(key)
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.entries.Remove(key)
		return "", false
	}
	return entry.value, true
}

// Put stores value with the current time.
func (c *Cache) Put(scopeID *string, question, value string) {
	key := newCacheKey(scopeID, question)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, cacheEntry{value: value, storedAt: c.now()})
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

func newCacheKey(scopeID *string, question string) cacheKey {
	return cacheKey{scope: models.ScopeKey(scopeID), question: NormalizeQuestion(question)}
}

// NormalizeQuestion trims, lower-cases and collapses whitespace.
func NormalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
