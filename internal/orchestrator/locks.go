package orchestrator

import (
	"context"
	"sync"
)

// lockTable serializes step execution per worktree. Steps sharing a
// worktree never run concurrently; steps in different worktrees are
// independent.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until the named lock is held or ctx expires. The
// returned release function must be called exactly once.
func (t *lockTable) Acquire(ctx context.Context, key string) (release func(), err error) {
	t.mu.Lock()
	entry, ok := t.locks[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		t.locks[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		t.put(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			t.put(key, entry)
		})
	}, nil
}

// put drops a reference and removes the entry once unused, so the
// table does not grow with every worktree ever seen.
func (t *lockTable) put(key string, entry *lockEntry) {
	t.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(t.locks, key)
	}
	t.mu.Unlock()
}
