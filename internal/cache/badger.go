package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/notevault/notevault/internal/metrics"
)

// Badger is an embedded on-disk cache. It survives restarts of a single server process.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens or creates a badger cache at path. An empty path opens an
// in-memory database.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.RecordCacheOperation("badger", "get", time.Since(start)) }()

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer func() { metrics.RecordCacheOperation("badger", "set", time.Since(start)) }()

	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *Badger) Delete(_ context.Context, key string) error {
	start := time.Now()
	defer func() { metrics.RecordCacheOperation("badger", "delete", time.Since(start)) }()

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *Badger) Flush(_ context.Context) error {
	return b.db.DropAll()
}

func (b *Badger) Type() string { return "badger" }

func (b *Badger) Close() error {
	return b.db.Close()
}
