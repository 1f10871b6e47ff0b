// Package audit implements the append-only audit log of spec §3/§6.4:
// one JSON object per line, rotating to "<name>.1" when the file exceeds
// a size threshold.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duh17/hostguard/pkg/protocol"
)

// maxSizeBytes is the rotation threshold (§6.4 "10 MiB").
const maxSizeBytes = 10 * 1024 * 1024

// Log appends AuditEntry records to a JSONL file, rotating when the file
// grows past maxSizeBytes.
type Log struct {
	log  *slog.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

// Open opens (creating if necessary) the audit log file at path.
func Open(path string, log *slog.Logger) (*Log, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{log: log, path: path, f: f}, nil
}

// Append writes one entry as a JSON line, assigning an id and timestamp
// if unset, and rotates the file first if it has crossed the threshold.
func (l *Log) Append(entry protocol.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeededLocked(); err != nil {
		l.log.Warn("audit: rotation check failed", "error", err)
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// rotateIfNeededLocked renames the current file to "<name>.1" (clobbering
// any previous .1) and opens a fresh file, once the current file exceeds
// maxSizeBytes. Caller must hold l.mu.
func (l *Log) rotateIfNeededLocked() error {
	info, err := l.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < maxSizeBytes {
		return nil
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	rotated := l.path + ".1"
	if err := os.Rename(l.path, rotated); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	l.f = f
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
