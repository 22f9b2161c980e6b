package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Store backed by an embedded Badger database. Cache contents
// survive restarts without requiring an external Redis server. Pub/sub is
// process-local.
type Badger struct {
	db   *badger.DB
	bus  *bus
	stop chan struct{}
	once sync.Once
}

// NewBadger opens (creating if needed) a Badger database at path.
func NewBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	b := &Badger{db: db, bus: newBus(), stop: make(chan struct{})}
	go b.gcLoop()
	return b, nil
}

// gcLoop reclaims value-log space in the background.
func (b *Badger) gcLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			for {
				if err := b.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (b *Badger) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Expire rewrites the entry with a fresh TTL; Badger has no in-place
// expiry update.
func (b *Badger) Expire(_ context.Context, key string, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (b *Badger) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Update applies fn inside a Badger transaction, retrying on commit
// conflicts with concurrent writers.
func (b *Badger) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	for i := 0; i < updateRetries; i++ {
		err := b.db.Update(func(txn *badger.Txn) error {
			var current []byte
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				current = nil
			case err != nil:
				return err
			default:
				current, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
			}
			next, err := fn(current)
			if err != nil {
				return err
			}
			entry := badger.NewEntry([]byte(key), next)
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("kv: update of %q exhausted %d retries", key, updateRetries)
}

func (b *Badger) Publish(_ context.Context, channel, payload string) error {
	b.bus.publish(channel, payload)
	return nil
}

func (b *Badger) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	ch, cancel := b.bus.subscribe(channel)
	return ch, cancel, nil
}

func (b *Badger) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("kv: badger database is closed")
	}
	return nil
}

func (b *Badger) Close() error {
	b.once.Do(func() { close(b.stop) })
	return b.db.Close()
}
