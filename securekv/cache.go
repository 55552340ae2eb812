package securekv

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// lruCache is a thread-safe LRU of engine values. It only ever holds
// ciphertext, never decrypted items. A nil inner cache disables caching.
type lruCache struct {
	inner *lru.Cache[string, string]
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		return &lruCache{}
	}
	// lru.New only fails for a non-positive size
	inner, _ := lru.New[string, string](capacity)
	return &lruCache{inner: inner}
}

func (c *lruCache) get(key string) (string, bool) {
	if c.inner == nil {
		return "", false
	}
	return c.inner.Get(key)
}

func (c *lruCache) put(key, value string) {
	if c.inner == nil {
		return
	}
	c.inner.Add(key, value)
}

func (c *lruCache) remove(key string) {
	if c.inner == nil {
		return
	}
	c.inner.Remove(key)
}

func (c *lruCache) clear() {
	if c.inner == nil {
		return
	}
	c.inner.Purge()
}

func (c *lruCache) len() int {
	if c.inner == nil {
		return 0
	}
	return c.inner.Len()
}
