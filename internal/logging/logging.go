// Package logging sets up the per-day, line-bounded log files each daemon
// writes, fanning out to stderr as well when run under a terminal.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// New opens (or creates) a rotating log file under dir named
// "<prefix>.log" and returns a *log.Logger writing to it. stderr is
// additionally included when it is an interactive terminal, so a daemon
// run by hand under a TTY still shows its own output.
func New(dir, prefix string, maxLines int) (*log.Logger, func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, prefix+".log")
	rf, err := newRotatingFile(path, maxLines)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open %s: %w", path, err)
	}

	var writers []io.Writer
	writers = append(writers, rf)
	if info, err := os.Stderr.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		writers = append(writers, os.Stderr)
	}

	logger := log.New(io.MultiWriter(writers...), "["+prefix+"] ", log.LstdFlags)
	return logger, rf.Close, nil
}

// rotatingFile truncates its backing file to its last maxLines lines once
// per calendar day, so the Guardian's log (which ticks once a second) does
// not grow unboundedly. It keeps only the tail of the file, the same way a
// bounded ring buffer keeps only the tail of a stream.
type rotatingFile struct {
	mu       sync.Mutex
	path     string
	maxLines int
	f        *os.File
	day      int
}

func newRotatingFile(path string, maxLines int) (*rotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &rotatingFile{path: path, maxLines: maxLines, f: f, day: time.Now().YearDay()}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if today := time.Now().YearDay(); today != r.day && r.maxLines > 0 {
		r.day = today
		if err := r.truncateLocked(); err != nil {
			// Rotation failure is non-fatal; keep appending to the existing file.
			fmt.Fprintf(os.Stderr, "logging: rotate %s failed: %v\n", r.path, err)
		}
	}
	return r.f.Write(p)
}

func (r *rotatingFile) truncateLocked() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	lines := splitLines(data)
	if len(lines) <= r.maxLines {
		return nil
	}
	kept := lines[len(lines)-r.maxLines:]

	if err := r.f.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, line := range kept {
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return err
		}
	}
	r.f = f
	return nil
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
