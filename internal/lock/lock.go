// Package lock implements named, leased, advisory locks with
// acquire-or-fail-fast semantics. A lease expires on its own if the holder
// crashes; holders processing large batches extend it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLocked is returned when another holder owns the lock.
	ErrLocked = errors.New("lock is held")
	// ErrLeaseLost is returned by Extend once the lease expired or was taken over.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Func is the unit of work executed while a lock is held.
type Func func(ctx context.Context, lease Lease) error

// Lease is handed to the running callback.
type Lease interface {
	Name() string
	Extend(ctx context.Context, ttl time.Duration) error
}

type Locker interface {
	ProcessWithLock(ctx context.Context, name string, ttl time.Duration, fn Func) error
}

func lockedError(name string) error {
	return fmt.Errorf("%w: %s", ErrLocked, name)
}
