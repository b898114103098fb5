package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "LOCK")

	l, err := acquirePath(lockPath)
	if err != nil {
		t.Fatalf("acquirePath() error = %v", err)
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if len(data) == 0 {
		t.Error("lock file is empty")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "LOCK")

	l1, err := acquirePath(lockPath)
	if err != nil {
		t.Fatalf("first acquirePath() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = acquirePath(lockPath)
	if err == nil {
		t.Fatal("second acquirePath() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Errorf("expected LockHeldError, got %T: %v", err, err)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "LOCK")

	l, err := acquirePath(lockPath)
	if err != nil {
		t.Fatalf("acquirePath() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
