package session

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Logger defines the interface for run event logging.
type Logger interface {
	Log(event Event) error
	Close() error
}

// JSONLogger writes events as newline-delimited JSON (NDJSON).
type JSONLogger struct {
	mu      sync.Mutex
	file    *os.File
	enc     *json.Encoder
	path    string
	compact bool
	closed  bool
}

// LoggerOption configures a JSONLogger.
type LoggerOption func(*JSONLogger)

// WithCompaction compresses the log to a .zst file when the logger closes.
func WithCompaction() LoggerOption {
	return func(l *JSONLogger) { l.compact = true }
}

// NewJSONLogger creates a logger that writes NDJSON to the given path.
// Parent directories are created automatically.
func NewJSONLogger(path string, opts ...LoggerOption) (*JSONLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating run log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}

	l := &JSONLogger{
		file: f,
		enc:  json.NewEncoder(f),
		path: path,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Log writes a single event as one JSON line.
func (l *JSONLogger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("run log already closed")
	}
	return l.enc.Encode(event)
}

// Close flushes and closes the underlying file. With compaction enabled the
// log is rewritten as path.zst and the plain file removed.
func (l *JSONLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Close(); err != nil {
		return err
	}
	if !l.compact {
		return nil
	}
	compacted, err := Compact(l.path)
	if err != nil {
		return err
	}
	l.path = compacted
	return nil
}

// Path returns the file path of the run log. After a compacting close this
// is the .zst path.
func (l *JSONLogger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Compact compresses a run log with zstd, removes the original and returns
// the compressed path.
func Compact(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening run log for compaction: %w", err)
	}
	defer src.Close() //nolint:errcheck

	outPath := path + ".zst"
	dst, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("creating compacted run log: %w", err)
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close() //nolint:errcheck
		return "", fmt.Errorf("starting zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close() //nolint:errcheck
		dst.Close() //nolint:errcheck
		return "", fmt.Errorf("compacting run log: %w", err)
	}
	if err := enc.Close(); err != nil {
		dst.Close() //nolint:errcheck
		return "", fmt.Errorf("finishing zstd stream: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", err
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing uncompacted run log: %w", err)
	}
	return outPath, nil
}

// NopLogger discards all events. Useful as a default when logging is disabled.
type NopLogger struct{}

// Log is a no-op.
func (NopLogger) Log(Event) error { return nil }

// Close is a no-op.
func (NopLogger) Close() error { return nil }

// DefaultLogPath returns a timestamped run log path inside dir.
func DefaultLogPath(dir, runID string) string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	return filepath.Join(dir, fmt.Sprintf("%s-%s-run.jsonl", ts, runID))
}
