package codec

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/matrixcore/kv"
)

func TestNextCountMonotonic(t *testing.T) {
	e, err := kv.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	defer e.Close()

	tr, err := e.OpenTree("global")
	require.NoError(t, err)

	var last uint64
	for i := 0; i < 1000; i++ {
		n, err := NextCount(tr)
		require.NoError(t, err)
		require.Greater(t, n, last)
		last = n
	}
}

func TestJoinSplitRoundTrip(t *testing.T) {
	k := JoinStr("room", "alice", "")
	parts := Split(k)
	require.Equal(t, [][]byte{[]byte("room"), []byte("alice"), []byte("")}, parts)
}

func TestU64OrderingMatchesNumericOrdering(t *testing.T) {
	require.Less(t, string(U64(1)), string(U64(2)))
	require.Less(t, string(U64(255)), string(U64(256)))
	require.Less(t, string(U64(1<<32)), string(U64(1<<32+1)))
}

func TestParseU64RejectsWrongLength(t *testing.T) {
	_, ok := ParseU64([]byte{1, 2, 3})
	require.False(t, ok)

	n, ok := ParseU64(U64(42))
	require.True(t, ok)
	require.Equal(t, uint64(42), n)
}
