// Package kv is the persistence boundary: a small asynchronous key-value
// store with change notification. Values are opaque JSON-encoded bytes.
//
// Backends:
//
//   - NewMemory: process-local map, used by tests and the "memory" driver.
//   - OpenFile: one JSON document on disk; changes written by other
//     processes are picked up with fsnotify.
//   - OpenSQLite: a kv table in SQLite (modernc.org/sqlite).
//   - OpenPostgres: a kv table in PostgreSQL; LISTEN/NOTIFY fans changes
//     out to every connected process.
package kv

import (
	"context"
	"sync"
)

// Change is delivered to subscribers when a key's value changes.
type Change struct {
	Key   string
	Value []byte
}

// Store is implemented by every backend.
type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Subscribe registers fn for change notifications and returns a
	// function that removes the subscription.
	Subscribe(fn func(Change)) (unsubscribe func())
	Ping(ctx context.Context) error
	Close() error
}

// Notifier fans a Change out to subscribers. Delivery is synchronous on
// the goroutine calling Notify.
type Notifier struct {
	mu        sync.RWMutex
	observers map[uint64]func(Change)
	nextID    uint64
}

func NewNotifier() *Notifier {
	return &Notifier{observers: make(map[uint64]func(Change))}
}

func (n *Notifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.observers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.observers, id)
			n.mu.Unlock()
		})
	}
}

func (n *Notifier) Notify(c Change) {
	n.mu.RLock()
	observers := make([]func(Change), 0, len(n.observers))
	for _, fn := range n.observers {
		observers = append(observers, fn)
	}
	n.mu.RUnlock()

	for _, fn := range observers {
		fn(Change{Key: c.Key, Value: clone(c.Value)})
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
