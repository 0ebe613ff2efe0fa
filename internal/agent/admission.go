package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/conductor/internal/sessions"
)

// Admission bounds concurrent turns: one per session through the lock
// manager, and at most MaxConcurrent overall through a weighted semaphore.
// Admin requests skip the global bound but never the session lock.
type Admission struct {
	locks        *sessions.LockManager
	permits      *semaphore.Weighted
	queueTimeout time.Duration
}

// NewAdmission creates admission control. maxConcurrent <= 0 disables the
// global bound.
func NewAdmission(locks *sessions.LockManager, maxConcurrent int64, queueTimeout time.Duration) *Admission {
	if locks == nil {
		locks = sessions.NewLockManager()
	}
	a := &Admission{locks: locks, queueTimeout: queueTimeout}
	if maxConcurrent > 0 {
		a.permits = semaphore.NewWeighted(maxConcurrent)
	}
	return a
}

// Ticket describes an admitted request.
type Ticket struct {
	UserID    string
	SessionID string
	Holder    string
	Admin     bool
}

// Admit takes the session lock and a global permit. Without allowQueue a
// busy session fails fast with ErrUserBusy; with it the call waits up to the
// queue timeout. The returned release func is idempotent.
func (a *Admission) Admit(ctx context.Context, t Ticket, allowQueue bool) (func(), error) {
	key := sessions.Key(t.UserID, t.SessionID)

	var unlock func()
	if allowQueue {
		var err error
		unlock, err = a.locks.Acquire(ctx, key, t.Holder, a.queueTimeout)
		if err != nil {
			if errors.Is(err, sessions.ErrLockTimeout) {
				return nil, fmt.Errorf("%w: %w", ErrUserBusy, err)
			}
			return nil, err
		}
	} else {
		var ok bool
		unlock, ok = a.locks.TryAcquire(key, t.Holder)
		if !ok {
			return nil, ErrUserBusy
		}
	}

	if a.permits == nil || t.Admin {
		return unlock, nil
	}

	if allowQueue {
		waitCtx := ctx
		if a.queueTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, a.queueTimeout)
			defer cancel()
		}
		if err := a.permits.Acquire(waitCtx, 1); err != nil {
			unlock()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrOverloaded
		}
	} else if !a.permits.TryAcquire(1) {
		unlock()
		return nil, ErrOverloaded
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			a.permits.Release(1)
			unlock()
		})
	}, nil
}

// Busy reports whether the session lock is held.
func (a *Admission) Busy(userID, sessionID string) bool {
	_, _, locked := a.locks.Holder(sessions.Key(userID, sessionID))
	return locked
}
