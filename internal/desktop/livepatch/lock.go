package livepatch

import (
	"context"
	"fmt"
	"os"
)

// HostLock serializes every live patch on the host. The in-process part is a
// one-slot semaphore so waiting can be abandoned; the optional lock file
// extends exclusion to other server processes.
type HostLock struct {
	sem  chan struct{}
	path string
}

// NewHostLock creates a lock. An empty path disables the file lock.
func NewHostLock(path string) *HostLock {
	return &HostLock{sem: make(chan struct{}, 1), path: path}
}

// Lock blocks until the lock is held or ctx is done. The returned function
// releases it.
func (l *HostLock) Lock(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if l.path == "" {
		return func() { <-l.sem }, nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		<-l.sem
		return nil, fmt.Errorf("open lock file failed: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		<-l.sem
		return nil, fmt.Errorf("lock file failed: %w", err)
	}
	return func() {
		_ = unlockFile(f)
		_ = f.Close()
		<-l.sem
	}, nil
}
