package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/technosupport/ts-replay/internal/metrics"
)

// FileCache keeps downloaded segment logs on disk so re-opening a remote route does not
// hit the network again.
type FileCache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenFileCache opens (or creates) a cache under dir. An empty dir keeps the cache in memory.
func OpenFileCache(dir string, ttl time.Duration) (*FileCache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open file cache: %w", err)
	}
	return &FileCache{db: db, ttl: ttl}, nil
}

func (c *FileCache) Get(key string) ([]byte, bool) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			// treat as a miss; the caller refetches
			metrics.FileCacheTotal.WithLabelValues("error").Inc()
			return nil, false
		}
		metrics.FileCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.FileCacheTotal.WithLabelValues("hit").Inc()
	return out, true
}

func (c *FileCache) Put(key string, data []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (c *FileCache) Close() error {
	return c.db.Close()
}
