// Package eventlog persists engine events to rotated JSONL files.
package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskorch/pkg/events"
	"taskorch/pkg/logx"
)

const maxLineBytes = 1 << 20

// Writer appends events to JSONL files under logDir, starting a new file every
// rotation period.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentKey  string
	closed      bool
	mu          sync.Mutex
	rotation    time.Duration
	now         func() time.Time
	logger      *logx.Logger
}

// NewWriter creates the log directory and opens the current file. rotationHours <= 0
// means daily.
func NewWriter(logDir string, rotationHours int, logger *logx.Logger) (*Writer, error) {
	return newWriter(logDir, rotationHours, logger, time.Now)
}

func newWriter(logDir string, rotationHours int, logger *logx.Logger, now func() time.Time) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if rotationHours <= 0 {
		rotationHours = 24
	}
	if logger == nil {
		logger = logx.Discard()
	}

	writer := &Writer{
		logDir:   logDir,
		rotation: time.Duration(rotationHours) * time.Hour,
		now:      now,
		logger:   logger,
	}
	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return writer, nil
}

// fileKey names the rotation window containing t.
func (w *Writer) fileKey(t time.Time) string {
	t = t.UTC()
	if w.rotation >= 24*time.Hour {
		return t.Format("2006-01-02")
	}
	return t.Truncate(w.rotation).Format("2006-01-02T15")
}

// Write appends one event as a JSON line and syncs it.
func (w *Writer) Write(e events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("event log is closed")
	}
	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	jsonData, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := w.currentFile.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// Emit implements events.Sink. Write failures are logged, not returned.
func (w *Writer) Emit(e events.Event) {
	if err := w.Write(e); err != nil {
		w.logger.Warn("Dropped %s event for task %s: %v", e.Type, e.TaskID, err)
	}
}

func (w *Writer) rotateIfNeeded() error {
	key := w.fileKey(w.now())
	if w.currentFile == nil || w.currentKey != key {
		return w.rotate(key)
	}
	return nil
}

func (w *Writer) rotate(key string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", key))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentKey = key
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		w.currentKey = ""
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// CurrentLogFile returns the path of the active log file, or "" once closed.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentKey))
}

// ReadEvents parses every event in a log file.
func ReadEvents(logFilePath string) ([]events.Event, error) {
	f, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		e, err := events.FromJSON(scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to parse event on line %d: %w", line, err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return out, nil
}

// ListLogFiles returns all event log files in logDir.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}
