package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.json")

	n, err := WriteAtomic(target, strings.NewReader("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Fatalf("written = %d, want 11", n)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("content mismatch: got %q", got)
	}

	if _, err := WriteAtomic(target, strings.NewReader("replaced")); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(target); string(got) != "replaced" {
		t.Fatalf("expected replacement, got %q", got)
	}
}

func TestWriteAtomicLeavesTargetOnReadError(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	if _, err := WriteAtomic(target, iotest.ErrReader(boom)); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	if got, _ := os.ReadFile(target); string(got) != "original" {
		t.Fatalf("target modified on failure: %q", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %d entries", len(entries))
	}
}

func TestIsRegular(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.mkv")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsRegular(file) {
		t.Fatal("expected regular file")
	}
	if IsRegular(dir) {
		t.Fatal("directory reported as regular file")
	}
	if IsRegular(filepath.Join(dir, "missing")) {
		t.Fatal("missing file reported as regular file")
	}
}
