package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ledgerwatch/matrixcore/internal/log"
)

var logger = log.New("component", "kv")

// boltEngine is the reference Engine: one exclusive writer and many
// concurrent readers over a single bbolt file, matching the
// single-writer-multi-reader contract of §4.1/§6. bbolt already
// serializes its one read-write transaction and lets readers run
// against an MVCC snapshot concurrently with it, so no extra reader
// pool or spillover bookkeeping is needed at this layer; the pool
// knobs in config (sqlite_read_pool_size et al.) describe a
// SQLite-flavoured engine's tuning surface and are honoured by
// engines that need them, not by this one.
type boltEngine struct {
	db *bbolt.DB

	mu       sync.Mutex
	trees    map[string]*boltTree
	watchers map[string]*watchers
}

// Open opens or creates the KV file at path.
func Open(path string) (Engine, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening kv file %s: %w", path, err)
	}
	return &boltEngine{
		db:       db,
		trees:    make(map[string]*boltTree),
		watchers: make(map[string]*watchers),
	}, nil
}

func (e *boltEngine) OpenTree(name string) (Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.trees[name]; ok {
		return t, nil
	}

	err := e.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("opening tree %s: %w", name, err)
	}

	w := newWatchers()
	e.watchers[name] = w
	t := &boltTree{engine: e, name: name, watchers: w}
	e.trees[name] = t
	return t, nil
}

func (e *boltEngine) Flush() error {
	// bbolt commits durably on every Update; nothing buffered to push.
	return nil
}

func (e *boltEngine) FlushWAL() error {
	return e.db.Sync()
}

func (e *boltEngine) Close() error {
	return e.db.Close()
}

type boltTree struct {
	engine   *boltEngine
	name     string
	watchers *watchers
}

func (t *boltTree) bucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket([]byte(t.name))
}

func (t *boltTree) Get(key []byte) ([]byte, error) {
	var out []byte
	err := t.engine.db.View(func(tx *bbolt.Tx) error {
		if v := t.bucket(tx).Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (t *boltTree) Insert(key, value []byte) error {
	err := t.engine.db.Update(func(tx *bbolt.Tx) error {
		return t.bucket(tx).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("insert into %s: %w", t.name, err)
	}
	t.watchers.notify(key)
	return nil
}

func (t *boltTree) Remove(key []byte) error {
	err := t.engine.db.Update(func(tx *bbolt.Tx) error {
		return t.bucket(tx).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("remove from %s: %w", t.name, err)
	}
	t.watchers.notify(key)
	return nil
}

func (t *boltTree) Iter(fn func(k, v []byte) (bool, error)) error {
	return t.engine.db.View(func(tx *bbolt.Tx) error {
		c := t.bucket(tx).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			cont, err := fn(k, v)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (t *boltTree) IterFrom(key []byte, backwards bool, fn func(k, v []byte) (bool, error)) error {
	return t.engine.db.View(func(tx *bbolt.Tx) error {
		c := t.bucket(tx).Cursor()
		if backwards {
			var k, v []byte
			if len(key) == 0 {
				k, v = c.Last()
			} else {
				k, v = c.Seek(key)
				if k == nil {
					k, v = c.Last()
				} else {
					// Seek returns the smallest key >= key, so
					// everything in (-inf, key) sits before it.
					k, v = c.Prev()
				}
			}
			for ; k != nil; k, v = c.Prev() {
				cont, err := fn(k, v)
				if err != nil {
					return err
				}
				if !cont {
					return nil
				}
			}
			return nil
		}

		for k, v := c.Seek(key); k != nil; k, v = c.Next() {
			cont, err := fn(k, v)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (t *boltTree) ScanPrefix(prefix []byte, fn func(k, v []byte) (bool, error)) error {
	return t.engine.db.View(func(tx *bbolt.Tx) error {
		c := t.bucket(tx).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			cont, err := fn(k, v)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (t *boltTree) Increment(key []byte) (uint64, error) {
	var next uint64
	err := t.engine.db.Update(func(tx *bbolt.Tx) error {
		b := t.bucket(tx)
		cur := uint64(0)
		if v := b.Get(key); v != nil {
			if len(v) != 8 {
				return fmt.Errorf("increment %s: counter value has wrong length %d", t.name, len(v))
			}
			cur = binary.BigEndian.Uint64(v)
		}
		next = cur + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put(key, buf)
	})
	if err != nil {
		return 0, err
	}
	t.watchers.notify(key)
	return next, nil
}

func (t *boltTree) WatchPrefix(ctx context.Context, prefix []byte) <-chan struct{} {
	return t.watchers.register(ctx, prefix)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
