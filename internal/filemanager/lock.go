package filemanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when acquiring a file lock times out
var ErrLockTimeout = errors.New("timeout acquiring file lock")

const (
	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 100 * time.Millisecond
)

// Lock is an inter-process advisory lock on a dedicated lock file
type Lock struct {
	flock   *flock.Flock
	timeout time.Duration
}

// NewLock creates a lock for the given lock file path. The file is
// created on first acquisition and must never be removed while in use.
func NewLock(path string) *Lock {
	return &Lock{
		flock:   flock.New(path),
		timeout: defaultLockTimeout,
	}
}

// WithTimeout sets the maximum time to wait for the lock
func (l *Lock) WithTimeout(timeout time.Duration) *Lock {
	l.timeout = timeout
	return l
}

// Lock acquires an exclusive lock
func (l *Lock) Lock(ctx context.Context) error {
	return l.acquire(ctx, l.flock.TryLockContext, "write")
}

// RLock acquires a shared lock
func (l *Lock) RLock(ctx context.Context) error {
	return l.acquire(ctx, l.flock.TryRLockContext, "read")
}

// Unlock releases whichever lock is held
func (l *Lock) Unlock() error {
	return l.flock.Unlock()
}

func (l *Lock) acquire(ctx context.Context, try func(context.Context, time.Duration) (bool, error), kind string) error {
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	locked, err := try(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrLockTimeout
		}
		return fmt.Errorf("failed to acquire %s lock: %w", kind, err)
	}
	if !locked {
		return ErrLockTimeout
	}
	return nil
}
