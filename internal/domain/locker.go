package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when another holder owns the lock.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired distributed lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker guards work that must not run twice at once, such as a module
// execution for a dispatch that was redelivered while still in flight.
// Lock must not block: if the lock is held it returns ErrLockNotAcquired.
type Locker interface {
	Lock(ctx context.Context, name string) (Lock, error)
}
