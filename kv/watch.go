package kv

import (
	"bytes"
	"context"
	"sync"
)

// watchers is a per-tree, per-prefix multi-consumer one-shot: a commit
// closes the channel of (and removes) every waiter whose prefix matches
// the committed key. Cancellation (ctx done) deregisters the waiter
// without ever leaving it unsignaled and without leaking the channel.
type watchers struct {
	mu      sync.Mutex
	waiters []*waiter
}

type waiter struct {
	prefix []byte
	ch     chan struct{}
	fired  bool
}

func newWatchers() *watchers {
	return &watchers{}
}

func (w *watchers) register(ctx context.Context, prefix []byte) <-chan struct{} {
	wt := &waiter{prefix: append([]byte(nil), prefix...), ch: make(chan struct{})}

	w.mu.Lock()
	w.waiters = append(w.waiters, wt)
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		defer w.mu.Unlock()
		if wt.fired {
			return
		}
		for i, other := range w.waiters {
			if other == wt {
				w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
				break
			}
		}
	}()

	return wt.ch
}

// notify fires and removes every waiter whose prefix is a prefix of key.
func (w *watchers) notify(key []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := w.waiters[:0]
	for _, wt := range w.waiters {
		if bytes.HasPrefix(key, wt.prefix) {
			wt.fired = true
			close(wt.ch)
			continue
		}
		remaining = append(remaining, wt)
	}
	w.waiters = remaining
}
