// Package gate provides the mutual exclusion used around service creation
// and port allocation.
package gate

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Gate is a process-wide lock that can be acquired with a context.
type Gate struct {
	sem chan struct{}
}

// New creates an unlocked Gate.
func New() *Gate {
	return &Gate{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is held or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. It must follow a successful Acquire.
func (g *Gate) Release() {
	select {
	case <-g.sem:
	default:
		panic("gate: release of unheld gate")
	}
}

// Keyed hands out one mutex per key.
type Keyed[K comparable] struct {
	locks *xsync.Map[K, *sync.Mutex]
}

// NewKeyed creates an empty Keyed lock set.
func NewKeyed[K comparable]() *Keyed[K] {
	return &Keyed[K]{locks: xsync.NewMap[K, *sync.Mutex]()}
}

// Lock acquires the mutex of key and returns its unlock function.
func (k *Keyed[K]) Lock(key K) (unlock func()) {
	mu, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}
