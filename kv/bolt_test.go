package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestGetInsertRemove(t *testing.T) {
	e := openTest(t)
	tr, err := e.OpenTree("t")
	require.NoError(t, err)

	v, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, tr.Insert([]byte("a"), []byte("1")))
	v, err = tr.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, tr.Remove([]byte("a")))
	v, err = tr.Get([]byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestOpenTreeIdempotent(t *testing.T) {
	e := openTest(t)
	a, err := e.OpenTree("t")
	require.NoError(t, err)
	require.NoError(t, a.Insert([]byte("k"), []byte("v")))

	b, err := e.OpenTree("t")
	require.NoError(t, err)
	v, err := b.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestScanPrefix(t *testing.T) {
	e := openTest(t)
	tr, _ := e.OpenTree("t")
	for _, k := range []string{"a1", "a2", "b1"} {
		require.NoError(t, tr.Insert([]byte(k), []byte(k)))
	}

	var got []string
	err := tr.ScanPrefix([]byte("a"), func(k, v []byte) (bool, error) {
		got = append(got, string(k))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2"}, got)
}

func TestIterFromAscendingAndDescending(t *testing.T) {
	e := openTest(t)
	tr, _ := e.OpenTree("t")
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tr.Insert([]byte(k), []byte(k)))
	}

	var asc []string
	require.NoError(t, tr.IterFrom([]byte("b"), false, func(k, v []byte) (bool, error) {
		asc = append(asc, string(k))
		return true, nil
	}))
	require.Equal(t, []string{"b", "c", "d"}, asc)

	var desc []string
	require.NoError(t, tr.IterFrom([]byte("c"), true, func(k, v []byte) (bool, error) {
		desc = append(desc, string(k))
		return true, nil
	}))
	require.Equal(t, []string{"b", "a"}, desc)
}

func TestIncrement(t *testing.T) {
	e := openTest(t)
	tr, _ := e.OpenTree("t")

	n, err := tr.Increment([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	n, err = tr.Increment([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}

func TestWatchPrefixFiresOnMatchingInsert(t *testing.T) {
	e := openTest(t)
	tr, _ := e.OpenTree("t")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := tr.WatchPrefix(ctx, []byte("alice"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = tr.Insert([]byte("alice!room"), []byte("x"))
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watcher did not fire")
	}
}

func TestWatchPrefixIgnoresNonMatchingInsert(t *testing.T) {
	e := openTest(t)
	tr, _ := e.OpenTree("t")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := tr.WatchPrefix(ctx, []byte("alice"))

	require.NoError(t, tr.Insert([]byte("bob!room"), []byte("x")))

	select {
	case <-ch:
		t.Fatal("watcher fired for non-matching key")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchPrefixCancelDoesNotLeak(t *testing.T) {
	e := openTest(t)
	tr, _ := e.OpenTree("t")
	bt := tr.(*boltTree)

	ctx, cancel := context.WithCancel(context.Background())
	_ = tr.WatchPrefix(ctx, []byte("p"))
	cancel()

	require.Eventually(t, func() bool {
		bt.watchers.mu.Lock()
		defer bt.watchers.mu.Unlock()
		return len(bt.watchers.waiters) == 0
	}, time.Second, time.Millisecond)
}
