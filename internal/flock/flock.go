//go:build !windows

// Package flock provides advisory file locking with bounded retry for
// the JSON files shared between relay processes.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/drewfead/relay/internal/retry"
)

// ErrLocked is returned when another process holds the lock and the
// retry budget is exhausted.
var ErrLocked = errors.New("file is locked by another process")

// Contention bound: 3 attempts, 100ms base, doubling.
var lockRetry = retry.DefaultPolicy

// Lock is a held advisory lock. The lock lives on a sidecar
// `<path>.lock` file rather than the data file itself: the data file
// is replaced by rename on every write, and a lock taken on its fd
// would silently stop guarding the path once the inode is swapped. The
// sidecar is never renamed, so every process contends on the same
// inode for the lifetime of the store.
type Lock struct {
	f *os.File
}

// Shared acquires a shared (read) lock guarding path, retrying briefly
// when another process holds an exclusive lock.
func Shared(ctx context.Context, path string) (*Lock, error) {
	return acquire(ctx, path, syscall.LOCK_SH)
}

// Exclusive acquires an exclusive (write) lock guarding path.
func Exclusive(ctx context.Context, path string) (*Lock, error) {
	return acquire(ctx, path, syscall.LOCK_EX)
}

func acquire(ctx context.Context, path string, how int) (*Lock, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = retry.Do(ctx, lockRetry, func() error {
		if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil {
			if errors.Is(err, syscall.EWOULDBLOCK) {
				return ErrLocked
			}
			return fmt.Errorf("flock %s: %w", f.Name(), err)
		}
		return nil
	})
	if err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file. The kernel also releases
// flocks on close, so a failed unlock still closes the fd.
func (l *Lock) Release() error {
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("funlock %s: %w", l.f.Name(), err)
	}
	return l.f.Close()
}
