// Package eventlog provides daily-rotated, newline-delimited JSON logging.
// It backs Leon's audit trail (scheduler alerts, night-mode outcomes) and is
// the template pkg/supervisor's per-agent transcript writer is built from.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer handles structured logging of arbitrary JSON-serializable events to
// daily-rotated log files.
type Writer struct {
	logDir      string
	prefix      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a new event log writer with daily rotation in the given
// directory. Log files are named "<prefix>-<date>.jsonl".
func NewWriter(logDir, prefix string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if prefix == "" {
		prefix = "events"
	}

	w := &Writer{logDir: logDir, prefix: prefix}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("initialize log file: %w", err)
	}
	return w, nil
}

// WriteEvent appends one JSON-encoded value as a line, rotating to a new
// daily file first if the date has changed.
func (w *Writer) WriteEvent(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}

	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if _, err := w.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("close current log file: %w", err)
		}
	}

	filename := fmt.Sprintf("%s-%s.jsonl", w.prefix, newDate)
	path := filepath.Join(w.logDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("close event log file: %w", err)
		}
	}
	return nil
}

// CurrentLogFile returns the path of the currently active log file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("%s-%s.jsonl", w.prefix, w.currentDate))
}

// ListLogFiles returns all rotated log files with the given prefix in a directory.
func ListLogFiles(logDir, prefix string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, prefix+"-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list log files: %w", err)
	}
	return files, nil
}
