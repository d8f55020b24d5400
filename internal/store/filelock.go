package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/kansa/internal/config"
	kerrors "github.com/harunnryd/kansa/internal/errors"

	"github.com/gofrs/flock"
)

// FileLock is an advisory, cross-process lock held on a sidecar ".lock" file.
type FileLock struct {
	fileLock   *flock.Flock
	lockPath   string
	acquiredAt time.Time
	mu         sync.RWMutex
}

type FileLockConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
}

func DefaultFileLockConfig() *FileLockConfig {
	lockTimeout, _ := config.DurationOrDefault(config.DefaultStoreLockTimeout, config.DefaultStoreLockTimeout)
	lockRetry, _ := config.DurationOrDefault(config.DefaultStoreLockRetry, config.DefaultStoreLockRetry)

	return &FileLockConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// FileLockConfigFrom builds a lock config from the store section, falling
// back to defaults for unparsable values.
func FileLockConfigFrom(cfg config.StoreConfig) *FileLockConfig {
	out := DefaultFileLockConfig()
	if d, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout); err == nil {
		out.LockTimeout = d
	}
	if d, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry); err == nil {
		out.LockRetry = d
	}
	if cfg.LockMaxRetry > 0 {
		out.LockMaxRetry = cfg.LockMaxRetry
	}
	return out
}

// NewFileLock blocks until the lock at lockPath is held, the retry budget is
// spent, or ctx is done.
func NewFileLock(ctx context.Context, lockPath string, cfg *FileLockConfig) (*FileLock, error) {
	if cfg == nil {
		cfg = DefaultFileLockConfig()
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, kerrors.WrapWithCategory(err, "create lock dir", kerrors.ErrTransient)
	}

	fl := &FileLock{
		fileLock: flock.New(lockPath),
		lockPath: lockPath,
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.LockTimeout)
	defer cancel()

	if err := fl.acquireWithRetry(ctx, cfg); err != nil {
		return nil, err
	}

	fl.acquiredAt = time.Now()
	slog.Debug("File lock acquired", "path", lockPath)

	return fl, nil
}

func (fl *FileLock) acquireWithRetry(ctx context.Context, cfg *FileLockConfig) error {
	attempts := cfg.LockMaxRetry
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock acquisition cancelled: %w: %w", kerrors.ErrTransient, ctx.Err())
		default:
			locked, err := fl.fileLock.TryLock()
			if err != nil {
				return kerrors.WrapWithCategory(err, "failed to attempt lock", kerrors.ErrTransient)
			}
			if locked {
				return nil
			}

			if i < attempts-1 {
				select {
				case <-ctx.Done():
				case <-time.After(cfg.LockRetry):
				}
			}
		}
	}

	return fmt.Errorf("%s is locked by another writer (timeout after %v): %w",
		fl.lockPath, cfg.LockTimeout, kerrors.ErrTransient)
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.fileLock == nil {
		slog.Warn("FileLock already unlocked", "path", fl.lockPath)
		return
	}

	if err := fl.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release file lock", "path", fl.lockPath, "error", err)
	} else {
		slog.Debug("File lock released",
			"path", fl.lockPath,
			"held_duration_ms", time.Since(fl.acquiredAt).Milliseconds(),
		)
	}

	fl.fileLock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.fileLock != nil
}

func (fl *FileLock) HeldDuration() time.Duration {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if fl.acquiredAt.IsZero() {
		return 0
	}
	return time.Since(fl.acquiredAt)
}

// WithFileLock runs fn while holding the lock at lockPath.
func WithFileLock(ctx context.Context, lockPath string, cfg *FileLockConfig, fn func() error) error {
	lock, err := NewFileLock(ctx, lockPath, cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}
