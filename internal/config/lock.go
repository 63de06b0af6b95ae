package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const lockPollInterval = 50 * time.Millisecond

// ErrLocked is returned when another process holds the config lock past
// the caller's deadline.
var ErrLocked = errors.New("config file is locked by another process")

// Lock is an advisory lock on a config file. It is held through the whole
// read/modify/write cycle of one invocation.
type Lock struct {
	mu   sync.Mutex
	file *os.File
}

// AcquireLock takes an exclusive lock on <path>.lock, polling until ctx is done.
func AcquireLock(ctx context.Context, path string) (*Lock, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		held, err := tryLock(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to lock config file: %w", err)
		}
		if held {
			return &Lock{file: file}, nil
		}

		select {
		case <-ctx.Done():
			file.Close()
			return nil, fmt.Errorf("%w: %v", ErrLocked, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. Safe to call more than once.
func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}
	_ = unlock(l.file)
	l.file.Close()
	l.file = nil
}
