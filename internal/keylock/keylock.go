// Package keylock provides mutexes addressed by string key. Entries are
// reference counted and dropped once no goroutine holds or waits on them, so
// the table only grows with the number of keys in use at once.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Table is a set of per-key exclusive locks. The zero value is ready to use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) acquire(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[string]*entry)
	}
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) release(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Lock blocks until key is held or ctx is done. On success the returned
// function releases the lock.
func (t *Table) Lock(ctx context.Context, key string) (func(), error) {
	e := t.acquire(key)
	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				t.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		t.release(key, e)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
