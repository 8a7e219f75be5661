package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheDeleted is returned when writing through a handle to a cache
	// that has since been deleted from its storage.
	ErrCacheDeleted = errors.New("cache has been deleted")
)

// CacheStorage is a set of independently named caches.
// It is the storage capability the interception layer gets from its host,
// and the only piece of state the layer owns.
//
// Implementations must be thread-safe!
type CacheStorage interface {
	// Open returns the cache with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Has checks if a cache with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all caches, in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named cache and all its entries.
	// It returns false if there was no such cache.
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache is a single named store of request → response entries.
// Writes to the same key overwrite; the last write wins.
type Cache interface {
	Name() string
	// Match returns the entry stored under key.
	// The boolean is false if there is no such entry.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores a single entry.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries, or none of them if any write fails.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns the keys of all entries in the cache.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a single entry.
	// It returns false if there was no such entry.
	Delete(ctx context.Context, key string) (bool, error)
}

// Entry is a stored response.
type Entry struct {
	// Request identity, see pkg/cache-key.
	Key string
	// The time the entry was written.
	StoredAt time.Time
	// The serialized request and response, see pkg/response-serializer.
	Bytes []byte
}
