package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/logs"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func TestTailLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	writeLog(t, path, "a\nb\nc\nd\n")

	res, err := logs.Tail(path, 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if !slices.Equal(res.Lines, []string{"c", "d"}) {
		t.Fatalf("unexpected lines: %#v", res.Lines)
	}
	if res.Offset != 8 {
		t.Fatalf("offset = %d, want 8", res.Offset)
	}

	res, err = logs.Tail(path, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if !slices.Equal(res.Lines, []string{"a", "b", "c", "d"}) {
		t.Fatalf("unexpected lines: %#v", res.Lines)
	}
}

func TestTailMissingFile(t *testing.T) {
	res, err := logs.Tail(filepath.Join(t.TempDir(), "missing.log"), 5)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(res.Lines) != 0 || res.Offset != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReadFromLeavesPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	writeLog(t, path, "one\ntwo\npart")

	res, err := logs.ReadFrom(path, 4)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if !slices.Equal(res.Lines, []string{"two"}) || res.Offset != 8 {
		t.Fatalf("unexpected result: %+v", res)
	}

	appendLog(t, path, "ial\n")
	res, err = logs.ReadFrom(path, res.Offset)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if !slices.Equal(res.Lines, []string{"partial"}) {
		t.Fatalf("unexpected lines: %#v", res.Lines)
	}

	// Offsets past the end restart after truncation.
	writeLog(t, path, "fresh\n")
	res, err = logs.ReadFrom(path, 100)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if !slices.Equal(res.Lines, []string{"fresh"}) {
		t.Fatalf("unexpected lines after truncate: %#v", res.Lines)
	}
}

func TestFollowEmitsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	writeLog(t, path, "start\n")
	start, err := logs.Tail(path, 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- logs.Follow(ctx, path, start.Offset, 20*time.Millisecond, func(line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		})
	}()

	appendLog(t, path, "later\n")
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Follow: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(got, []string{"later"}) {
		t.Fatalf("unexpected lines: %#v", got)
	}
}

func TestPath(t *testing.T) {
	if got := logs.Path("/var/log/mf", ""); got != "/var/log/mf/mediaflow.log" {
		t.Fatalf("unexpected default path %q", got)
	}
	if got := logs.Path("/var/log/mf", "worker-crawling"); got != "/var/log/mf/worker-crawling.log" {
		t.Fatalf("unexpected worker path %q", got)
	}
}
