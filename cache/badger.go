package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/urbn/Caesium/caesiumid"
)

// BadgerCache implements Cache using an embedded BadgerDB store. It gives a
// single publisher instance a durable local cache that survives a restart
// without requiring a shared Redis deployment.
type BadgerCache struct {
	db         *badger.DB
	defaultTTL time.Duration
}

// NewBadgerCache opens (or creates) a BadgerDB at dir.
func NewBadgerCache(dir string, defaultTTL time.Duration) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}

	c := &BadgerCache{db: db, defaultTTL: defaultTTL}
	go c.runGC()
	return c, nil
}

func (c *BadgerCache) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
	again:
		if err := c.db.RunValueLogGC(0.5); err == nil {
			goto again
		}
	}
}

func (c *BadgerCache) Get(ctx context.Context, id caesiumid.ID) ([]byte, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id.Hex()))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("cache: badger get: %w", err)
	}
	return out, nil
}

func (c *BadgerCache) Set(ctx context.Context, id caesiumid.ID, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(id.Hex()), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache: badger set: %w", err)
	}
	return nil
}

func (c *BadgerCache) Delete(ctx context.Context, id caesiumid.ID) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id.Hex()))
	})
	if err != nil {
		return fmt.Errorf("cache: badger delete: %w", err)
	}
	return nil
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}
