package workflow

import (
	"context"
	"sync"
)

// instanceLocks hands out one mutex per instance id. Entries are reference
// counted and dropped when no caller holds or waits for them.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	ch   chan struct{}
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*instanceLock)}
}

// lock blocks until the instance lock is acquired or ctx is done. The
// returned function releases it.
func (l *instanceLocks) lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &instanceLock{ch: make(chan struct{}, 1)}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			l.release(id, entry)
		}, nil
	case <-ctx.Done():
		l.release(id, entry)
		return nil, ctx.Err()
	}
}

func (l *instanceLocks) release(id string, entry *instanceLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
}

// size returns the number of tracked instance locks.
func (l *instanceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
