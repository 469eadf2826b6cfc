package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/conduit/internal/pathutil"

	"github.com/gofrs/flock"
)

// InstanceLock keeps a second daemon from serving with the same lock file.
type InstanceLock struct {
	fileLock   *flock.Flock
	path       string
	acquiredAt time.Time
	mu         sync.Mutex
}

// AcquireInstanceLock takes the lock at path, retrying every retry until
// timeout elapses.
func AcquireInstanceLock(ctx context.Context, path string, timeout, retry time.Duration) (*InstanceLock, error) {
	path, err := pathutil.EnsureParent(path)
	if err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fileLock := flock.New(path)
	locked, err := fileLock.TryLockContext(lockCtx, retry)
	if err != nil && lockCtx.Err() == nil {
		return nil, fmt.Errorf("failed to attempt lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another conduit instance holds %s (timeout after %v)", path, timeout)
	}

	l := &InstanceLock{fileLock: fileLock, path: path, acquiredAt: time.Now()}
	slog.Info("Instance lock acquired", "path", path)
	return l, nil
}

func (l *InstanceLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLock == nil {
		return
	}
	if err := l.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release instance lock", "path", l.path, "error", err)
	} else {
		slog.Info("Instance lock released", "path", l.path, "held", time.Since(l.acquiredAt))
	}
	l.fileLock = nil
}

func (l *InstanceLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fileLock != nil
}
