package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxLineBytes        = 1 << 20
	defaultPollInterval = 250 * time.Millisecond
)

// Result is a batch of lines and the offset just past them.
type Result struct {
	Lines  []string
	Offset int64
}

// Path resolves the log file for a process name such as "engine" or
// "worker-scene_detection". An empty name selects the mediaflow.log pointer
// to the most recently started process.
func Path(logDir, process string) string {
	process = strings.TrimSpace(process)
	if process == "" {
		process = "mediaflow"
	}
	return filepath.Join(logDir, strings.TrimSuffix(process, ".log")+".log")
}

// Tail returns up to limit trailing lines of path. A limit of zero returns no
// lines but still reports the end offset.
func Tail(path string, limit int) (Result, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if info, err := file.Stat(); err != nil {
		return Result{}, fmt.Errorf("stat log file: %w", err)
	} else if info.IsDir() {
		return Result{}, fmt.Errorf("log path %q is a directory", path)
	}

	var ring []string
	next := 0
	offset, err := scanLines(file, func(line string) {
		if limit <= 0 {
			return
		}
		if len(ring) < limit {
			ring = append(ring, line)
			return
		}
		ring[next] = line
		next = (next + 1) % limit
	})
	if err != nil {
		return Result{}, err
	}

	lines := make([]string, 0, len(ring))
	lines = append(lines, ring[next:]...)
	lines = append(lines, ring[:next]...)
	return Result{Lines: lines, Offset: offset}, nil
}

// ReadFrom returns the complete lines written after offset. A truncated or
// rotated file restarts from the beginning.
func ReadFrom(path string, offset int64) (Result, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{Offset: offset}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Result{Offset: offset}, fmt.Errorf("stat log file: %w", err)
	}
	if offset < 0 || offset > info.Size() {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return Result{Offset: offset}, fmt.Errorf("seek log file: %w", err)
	}

	var lines []string
	read, err := scanLines(file, func(line string) { lines = append(lines, line) })
	if err != nil {
		return Result{Offset: offset}, err
	}
	return Result{Lines: lines, Offset: offset + read}, nil
}

// Follow polls path from offset and calls emit for every new line until ctx
// is done. It returns nil on cancellation.
func Follow(ctx context.Context, path string, offset int64, interval time.Duration, emit func(string)) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := ReadFrom(path, offset)
		if err != nil {
			return err
		}
		for _, line := range res.Lines {
			emit(line)
		}
		offset = res.Offset

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// scanLines feeds each newline-terminated line to fn and returns the number
// of bytes consumed. A trailing partial line is left for the next read.
func scanLines(r io.Reader, fn func(string)) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			consumed += int64(len(line))
			text := strings.TrimRight(line, "\r\n")
			if len(text) > maxLineBytes {
				text = text[:maxLineBytes]
			}
			fn(text)
			continue
		}
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		return consumed, fmt.Errorf("read log file: %w", err)
	}
}
