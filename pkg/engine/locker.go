package engine

import (
	"context"
	"sync"
)

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	next uint64
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]uint64)}
}

// Acquire takes key or fails with LEASE_HELD.
func (l *LocalLocker) Acquire(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, NewLeaseHeldError(key)
	}
	l.next++
	l.held[key] = l.next
	return &localLease{locker: l, key: key, token: l.next}, nil
}

// Held reports whether key is currently leased.
func (l *LocalLocker) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  uint64
}

// Release frees the key if this lease still owns it.
func (l *localLease) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.key] == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}
