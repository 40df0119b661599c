// Package kv is the abstract ordered byte-keyed tree interface (C1):
// the sole seam between the storage core and whatever embedded KV
// engine backs it. Nothing outside this package and its concrete
// engines (see bolt.go) may assume a particular on-disk format.
package kv

import "context"

// Engine opens named Trees. OpenTree is idempotent: calling it twice
// with the same name returns handles to the same underlying tree.
type Engine interface {
	OpenTree(name string) (Tree, error)

	// Flush commits buffered writes to the page cache.
	Flush() error
	// FlushWAL forces a durable fsync of the write-ahead log.
	FlushWAL() error

	Close() error
}

// KV is a single key/value pair yielded by an iterator.
type KV struct {
	Key   []byte
	Value []byte
}

// Tree is one named ordered byte-key/byte-value collection.
type Tree interface {
	Get(key []byte) ([]byte, error)
	Insert(key, value []byte) error
	Remove(key []byte) error

	// Iter performs a full key-ordered scan, calling fn for every
	// entry until fn returns false or an error.
	Iter(fn func(k, v []byte) (bool, error)) error

	// IterFrom scans the half-open range [key, +inf) ascending, or
	// (-inf, key) descending when backwards is true.
	IterFrom(key []byte, backwards bool, fn func(k, v []byte) (bool, error)) error

	// ScanPrefix visits every entry whose key starts with prefix, in
	// ascending order.
	ScanPrefix(prefix []byte, fn func(k, v []byte) (bool, error)) error

	// Increment performs an atomic read-add-1-write of an 8-byte
	// big-endian counter stored at key, treating a missing key as 0,
	// and returns the post-increment value (so the first call on a
	// fresh key returns 1).
	Increment(key []byte) (uint64, error)

	// WatchPrefix returns a channel that is closed as soon as any
	// Insert or Remove commits against a key starting with prefix,
	// strictly after WatchPrefix was called. Cancel by abandoning ctx.
	WatchPrefix(ctx context.Context, prefix []byte) <-chan struct{}
}
