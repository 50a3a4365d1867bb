package storage

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ctring/detock/go/txn"
)

// CachedStore wraps a Store with a bounded LRU of recently-read records.
// Worker's READ_LOCAL_STORAGE phase re-reads the same hot keys across many
// unrelated transactions (spec.md §4.5); an RTT to RocksDB's block cache is
// cheap but not free, so a process-local cache in front of it cuts repeat
// gets for the same key within a short window.
type CachedStore struct {
	inner Store
	cache *lru.Cache[string, Record]
}

// NewCachedStore wraps inner with an LRU of the given entry count.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, Record](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (c *CachedStore) Get(key txn.Key) (Record, bool, error) {
	if rec, ok := c.cache.Get(string(key)); ok {
		return rec, true, nil
	}
	rec, found, err := c.inner.Get(key)
	if err != nil || !found {
		return rec, found, err
	}
	c.cache.Add(string(key), rec)
	return rec, true, nil
}

// Put writes through to inner and refreshes the cache entry so a remaster
// commit or execute-phase write is immediately visible to the next reader
// without waiting for the cache to naturally evict the stale value.
func (c *CachedStore) Put(key txn.Key, rec Record) error {
	if err := c.inner.Put(key, rec); err != nil {
		return err
	}
	c.cache.Add(string(key), rec)
	return nil
}

func (c *CachedStore) Close() error { return c.inner.Close() }
