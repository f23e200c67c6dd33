// Package syncutil holds locking primitives shared by the orchestrators.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one channel-based mutex per key, so distinct keys never
// contend. Entries are reference counted and dropped once no caller holds or
// waits on them, keeping memory bounded by the number of in-flight keys.
//
// With a RemoteLocker attached, every acquisition also takes the remote lock
// for the key, so processes sharing that backend exclude each other too.
type KeyedMutex struct {
	mu     sync.Mutex
	locks  map[string]*keyedEntry
	remote RemoteLocker
}

// RemoteLocker is a lock shared between processes.
type RemoteLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// heldKey marks a context whose caller holds key on m.
type heldKey struct {
	m   *KeyedMutex
	key string
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// WithRemote attaches a cross-process lock.
func (m *KeyedMutex) WithRemote(r RemoteLocker) *KeyedMutex {
	m.remote = r
	return m
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call the
// unlock function exactly once.
// On context cancellation, returns nil and the context error.
//
// If ctx came from Hold for the same key, the lock is already held and the
// returned unlock does nothing.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	if held, _ := ctx.Value(heldKey{m, key}).(bool); held {
		return func() {}, nil
	}

	e := m.acquire(key)
	select {
	case <-e.ch:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}

	local := func() {
		e.ch <- struct{}{}
		m.release(key, e)
	}
	remoteUnlock := func() {}
	if m.remote != nil {
		u, err := m.remote.Lock(ctx, key)
		if err != nil {
			local()
			return nil, err
		}
		remoteUnlock = u
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			remoteUnlock()
			local()
		})
	}, nil
}

// Hold acquires key like LockContext and returns a context under which
// nested LockContext calls for key succeed at once. Use it to keep a key
// locked across several operations that each lock it themselves.
func (m *KeyedMutex) Hold(ctx context.Context, key string) (context.Context, func(), error) {
	unlock, err := m.LockContext(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return context.WithValue(ctx, heldKey{m, key}, true), unlock, nil
}

// Held reports how many keys currently have holders or waiters.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquire(key string) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyedEntry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // Start unlocked.
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) release(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
