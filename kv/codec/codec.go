// Package codec implements C2: the monotonic global counter and the
// composite-key builders every higher component uses to address rows
// in a kv.Tree. All multi-byte integers are big-endian so lexicographic
// key order matches numeric order; fields are joined with a single
// 0xff separator, which cannot appear inside any field because Matrix
// identifiers are UTF-8 and forbid it.
package codec

import (
	"encoding/binary"

	"github.com/ledgerwatch/matrixcore/kv"
)

const Sep = 0xff

// CounterKey is the fixed key under which the global 64-bit counter
// lives in the "global" tree.
var CounterKey = []byte("c")

// NextCount atomically increments and returns the global counter
// (spec.md §4.2, I5). Safe for concurrent callers: Tree.Increment is
// atomic per key.
func NextCount(globalTree kv.Tree) (uint64, error) {
	return globalTree.Increment(CounterKey)
}

// U64 big-endian encodes n.
func U64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// ParseU64 decodes a big-endian uint64, erroring on anything but
// exactly 8 bytes (spec.md §7: BadDatabase on a wrong-length integer).
func ParseU64(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// Join concatenates fields separated by a single 0xff byte.
func Join(fields ...[]byte) []byte {
	n := 0
	for i, f := range fields {
		n += len(f)
		if i > 0 {
			n++
		}
	}
	out := make([]byte, 0, n)
	for i, f := range fields {
		if i > 0 {
			out = append(out, Sep)
		}
		out = append(out, f...)
	}
	return out
}

// JoinStr is Join for string fields.
func JoinStr(fields ...string) []byte {
	bs := make([][]byte, len(fields))
	for i, f := range fields {
		bs[i] = []byte(f)
	}
	return Join(bs...)
}

// Split splits a composite key on 0xff into its constituent fields.
func Split(key []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range key {
		if b == Sep {
			out = append(out, key[start:i])
			start = i + 1
		}
	}
	out = append(out, key[start:])
	return out
}
