package lockfile

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/locallama/router/internal/routererrors"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "http://localhost:8080")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if _, err := os.Stat(lock.path); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if _, err := os.Stat(lock.path); !os.IsNotExist(err) {
		t.Fatal("expected lock file to be removed after Release")
	}
}

func TestAcquireRejectsLiveHolder(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "first")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir, "second")
	if err == nil {
		t.Fatal("expected second Acquire to fail while the first instance is alive")
	}
	if !routererrors.Is(err, routererrors.KindPreconditionFailed) {
		t.Errorf("expected PreconditionFailed, got %v", err)
	}
}

func TestAcquireReplacesStaleLock(t *testing.T) {
	dir := t.TempDir()

	stale, err := Acquire(dir, "stale")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	info, err := read(stale.path)
	if err != nil {
		t.Fatalf("read() error: %v", err)
	}
	info.PID = 999999999 // implausible pid, assumed dead
	rewriteLockFile(t, stale.path, info)

	second, err := Acquire(dir, "fresh")
	if err != nil {
		t.Fatalf("expected Acquire to replace a stale lock, got error: %v", err)
	}
	defer second.Release()
}

func rewriteLockFile(t *testing.T, path string, info Info) {
	t.Helper()
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}
