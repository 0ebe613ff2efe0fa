package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("session: lock acquisition timeout")

	// ErrLockHeld is returned when a lock is already held by another request.
	ErrLockHeld = errors.New("session: lock held by another request")
)

// Key joins a user and session into a lock key. The separator is a NUL
// byte, which ids never contain, so distinct pairs never share a key.
func Key(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

type sessionLock struct {
	ch       chan struct{}
	holder   string
	acquired time.Time
	refs     int
}

// LockManager serializes requests per session. Entries are dropped once no
// request holds or waits on them.
//
// Thread Safety:
// LockManager is safe for concurrent use.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sessionLock)}
}

func (m *LockManager) ref(key string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (m *LockManager) unref(key string, lock *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *LockManager) held(key string, lock *sessionLock, holder string) func() {
	m.mu.Lock()
	lock.holder = holder
	lock.acquired = time.Now()
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			lock.holder = ""
			m.mu.Unlock()
			<-lock.ch
			m.unref(key, lock)
		})
	}
}

// Acquire waits for the session lock. A positive timeout bounds the wait and
// yields ErrLockTimeout. The returned release func is idempotent.
func (m *LockManager) Acquire(ctx context.Context, key, holder string, timeout time.Duration) (func(), error) {
	lock := m.ref(key)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case lock.ch <- struct{}{}:
		return m.held(key, lock, holder), nil
	case <-expired:
		m.unref(key, lock)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		m.unref(key, lock)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock only if it is free.
func (m *LockManager) TryAcquire(key, holder string) (func(), bool) {
	lock := m.ref(key)
	select {
	case lock.ch <- struct{}{}:
		return m.held(key, lock, holder), true
	default:
		m.unref(key, lock)
		return nil, false
	}
}

// Holder reports who holds the lock and since when.
func (m *LockManager) Holder(key string) (holder string, since time.Time, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		return "", time.Time{}, false
	}
	return lock.holder, lock.acquired, len(lock.ch) > 0
}

// Len returns the number of tracked keys.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
