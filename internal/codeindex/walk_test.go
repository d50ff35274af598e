package codeindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestIndexDirectoryIndexesMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.go"), "func add(a, b int) int { return a + b }")
	writeFile(t, filepath.Join(dir, "b.go"), "func subtract(a, b int) int { return a - b }")

	idx := New(DefaultOptions())
	n, err := idx.IndexDirectory(context.Background(), dir, true, DefaultWalkOptions())
	if err != nil {
		t.Fatalf("IndexDirectory() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 documents indexed, got %d", n)
	}
}

func TestIndexDirectoryExcludesVendorDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.go"), "package main")
	writeFile(t, filepath.Join(dir, "vendor", "dep.go"), "package dep")

	idx := New(DefaultOptions())
	n, err := idx.IndexDirectory(context.Background(), dir, true, DefaultWalkOptions())
	if err != nil {
		t.Fatalf("IndexDirectory() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected vendor/ excluded, got %d documents", n)
	}
}

func TestIndexDirectorySkipsUnchangedFilesWithoutForce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	writeFile(t, path, "package main")

	idx := New(DefaultOptions())
	if _, err := idx.IndexDirectory(context.Background(), dir, true, DefaultWalkOptions()); err != nil {
		t.Fatalf("first IndexDirectory() error: %v", err)
	}

	n, err := idx.IndexDirectory(context.Background(), dir, false, DefaultWalkOptions())
	if err != nil {
		t.Fatalf("second IndexDirectory() error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 re-indexed (unchanged), got %d", n)
	}
}

func TestIndexDirectoryChunksLargeFiles(t *testing.T) {
	dir := t.TempDir()
	var lines string
	for i := 0; i < 50; i++ {
		lines += "line content here\n"
	}
	writeFile(t, filepath.Join(dir, "big.go"), lines)

	idx := New(DefaultOptions())
	opts := DefaultWalkOptions()
	opts.ChunkLines = 10
	n, err := idx.IndexDirectory(context.Background(), dir, true, opts)
	if err != nil {
		t.Fatalf("IndexDirectory() error: %v", err)
	}
	if n < 5 {
		t.Errorf("expected the 50-line file to split into multiple chunks, got %d documents", n)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
