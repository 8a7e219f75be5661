package cache

import (
	"context"
	"sync"
)

// MemStorage is an in-memory CacheStorage.
// Contents are lost when the process exits.
type MemStorage struct {
	mutex  *sync.RWMutex
	names  []string
	caches map[string]*memCache
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*memCache),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok := m.caches[name]; ok {
		return c, nil
	}
	c := &memCache{
		name:    name,
		entries: make(map[string]Entry),
	}
	m.caches[name] = c
	m.names = append(m.names, name)
	return c, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	c.mutex.Lock()
	c.deleted = true
	c.mutex.Unlock()
	delete(m.caches, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

type memCache struct {
	name    string
	mutex   sync.RWMutex
	keys    []string
	entries map[string]Entry
	deleted bool
}

func (c *memCache) Name() string {
	return c.name
}

func (c *memCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok, nil
}

func (c *memCache) Put(ctx context.Context, entry Entry) error {
	return c.PutAll(ctx, []Entry{entry})
}

func (c *memCache) PutAll(ctx context.Context, entries []Entry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.deleted {
		return ErrCacheDeleted
	}
	for _, entry := range entries {
		if _, ok := c.entries[entry.Key]; !ok {
			c.keys = append(c.keys, entry.Key)
		}
		// own the bytes, callers may reuse their buffers
		entry.Bytes = append([]byte(nil), entry.Bytes...)
		c.entries[entry.Key] = entry
	}
	return nil
}

func (c *memCache) Keys(ctx context.Context) ([]string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	return keys, nil
}

func (c *memCache) Delete(ctx context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true, nil
}
