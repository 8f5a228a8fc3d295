// Package cache provides the optional read-through cache layered over
// Caesium's store adapter. It is modeled on nodestorage/v2's cache package:
// a small generic interface with interchangeable backends (in-memory,
// Redis, Badger) so the store adapter never has to know which one is live.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/urbn/Caesium/caesiumid"
)

// ErrMiss is returned when a document is not present in the cache.
var ErrMiss = errors.New("cache: miss")

// ErrClosed is returned by MemoryCache's Get and Set after Close. Delete
// on a closed MemoryCache is a no-op that returns nil.
var ErrClosed = errors.New("cache: closed")

// Cache stores marshaled documents keyed by their Caesium ID. It is
// intentionally narrower than a general-purpose cache: Caesium only ever
// caches whole documents read by ID, never query result sets (find
// results can straddle arbitrary filters and are not safe to invalidate
// on a single-document write).
type Cache interface {
	// Get retrieves the cached bytes for id, or ErrMiss if absent/expired.
	Get(ctx context.Context, id caesiumid.ID) ([]byte, error)

	// Set stores data for id with the given time-to-live. ttl <= 0 means
	// the backend's default TTL.
	Set(ctx context.Context, id caesiumid.ID, data []byte, ttl time.Duration) error

	// Delete evicts id from the cache. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, id caesiumid.ID) error

	// Close releases any resources held by the cache.
	Close() error
}
