package filelock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLockUnlock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	fl := New(dir, "x.lock")

	if err := fl.Lock(); err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	if _, err := os.Stat(fl.Path()); err != nil {
		t.Errorf("lock file not created: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock() = %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Errorf("second Unlock() = %v, want nil", err)
	}
}

func TestTryLockContention(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, "x.lock")
	b := New(dir, "x.lock")

	if err := a.Lock(); err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	// flock locks are per open file description, so a second handle in the
	// same process contends like another process would.
	if err := b.TryLock(); !errors.Is(err, ErrHeld) {
		t.Errorf("TryLock() = %v, want ErrHeld", err)
	}
	if err := a.Unlock(); err != nil {
		t.Fatalf("Unlock() = %v", err)
	}
	if err := b.TryLock(); err != nil {
		t.Errorf("TryLock() after release = %v", err)
	}
	_ = b.Unlock()
}

func TestWithSerializes(t *testing.T) {
	fl := New(t.TempDir(), "x.lock")

	var wg sync.WaitGroup
	inside := 0
	maxInside := 0
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fl.With(func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("With() = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestWithPropagatesError(t *testing.T) {
	fl := New(t.TempDir(), "x.lock")
	want := errors.New("boom")
	if err := fl.With(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("With() = %v, want %v", err, want)
	}
	if err := fl.TryLock(); err != nil {
		t.Errorf("lock should be released after With, got %v", err)
	}
	_ = fl.Unlock()
}
