package corecache

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

const DefaultCapacity = 100

// Handle is a live engine instance. Release frees whatever it holds.
type Handle interface {
	Release() error
}

// Cache keeps warm engine handles per session. A handle is checked out with
// Take and returned with Put; between the two calls the cache does not
// reference it. The mutex only protects the LRU bookkeeping: callers are
// responsible for never taking the same session twice concurrently.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, Handle]
	detached string
	logger   *zap.Logger
}

func New(capacity int, logger *zap.Logger) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{logger: logger}
	lru, err := simplelru.NewLRU[string, Handle](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create core cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvict runs under c.mu for evictions and for Take's detach.
func (c *Cache) onEvict(sessionID string, h Handle) {
	if sessionID == c.detached {
		return
	}
	c.release(sessionID, h)
}

func (c *Cache) release(sessionID string, h Handle) {
	if h == nil {
		return
	}
	if err := h.Release(); err != nil {
		c.logger.Warn("release evicted core", zap.String("session", sessionID), zap.Error(err))
		return
	}
	c.logger.Debug("evicted core", zap.String("session", sessionID))
}

// Take removes the session's handle from the cache and hands ownership to
// the caller.
func (c *Cache) Take(sessionID string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.lru.Get(sessionID)
	if !ok {
		return nil, false
	}
	c.detached = sessionID
	c.lru.Remove(sessionID)
	c.detached = ""
	return h, true
}

// Put stores h for the session. A different handle already cached for the
// session is released, as is the least recently used entry when the cache
// is full.
func (c *Cache) Put(sessionID string, h Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.lru.Peek(sessionID); ok && prev != h {
		c.detached = sessionID
		c.lru.Remove(sessionID)
		c.detached = ""
		c.release(sessionID, prev)
	}
	c.lru.Add(sessionID, h)
}

func (c *Cache) Contains(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(sessionID)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge releases every cached handle.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
