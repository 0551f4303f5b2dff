package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// ErrHeld is returned by TryLock when another process holds the lock.
var ErrHeld = errors.New("lock held by another process")

// FileLock is an exclusive advisory lock on a file inside a directory.
// Goroutines sharing one FileLock serialize on an internal mutex before
// calling flock. It is not reentrant.
type FileLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// New returns a FileLock for dir/name. The directory is created on first Lock.
func New(dir, name string) *FileLock {
	return &FileLock{path: filepath.Join(dir, name)}
}

// Path returns the lock file path.
func (fl *FileLock) Path() string {
	return fl.path
}

func (fl *FileLock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// Lock acquires the lock, blocking until it is available.
func (fl *FileLock) Lock() error {
	fl.mu.Lock()
	f, err := fl.open()
	if err != nil {
		fl.mu.Unlock()
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		fl.mu.Unlock()
		return fmt.Errorf("flock: %w", err)
	}
	fl.file = f
	return nil
}

// TryLock acquires the lock without blocking. It returns ErrHeld when
// another process holds it.
func (fl *FileLock) TryLock() error {
	if !fl.mu.TryLock() {
		return ErrHeld
	}
	f, err := fl.open()
	if err != nil {
		fl.mu.Unlock()
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		fl.mu.Unlock()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrHeld
		}
		return fmt.Errorf("flock: %w", err)
	}
	fl.file = f
	return nil
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil
	defer fl.mu.Unlock()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}

// With runs fn while holding the lock.
func (fl *FileLock) With(fn func() error) error {
	if err := fl.Lock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}
