package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps the audit log at 100MB before rotation.
	DefaultMaxLogSize = 100 * 1024 * 1024
	ArchiveDir        = "archive"
)

// LogEntry is a single audit log line.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	EventID   string                 `json:"event_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	BatchID   string                 `json:"batch_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Level     string                 `json:"level,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Checksum  string                 `json:"checksum,omitempty"`
}

// checksum hashes the entry with its Checksum field cleared. The value
// receiver provides the cleared copy.
func (e LogEntry) checksum() (string, error) {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// AuditLogger appends JSONL entries to a single file, rotating it into
// a sibling archive directory when it would exceed maxSize.
type AuditLogger struct {
	logPath string
	maxSize int64

	mu        sync.Mutex
	file      *os.File
	size      int64
	checksums bool
	rotations int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &AuditLogger{logPath: logPath, maxSize: maxSize}
	if err := l.openAppend(); err != nil {
		return nil, err
	}
	return l, nil
}

// EnableChecksum stamps each subsequent entry with an integrity checksum.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checksums = enable
}

// Log writes an entry for a bus event, lifting the well-known ids out
// of the event data into their own columns.
func (l *AuditLogger) Log(eventType string, details map[string]interface{}) error {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
	}
	for _, field := range []struct {
		key string
		dst *string
	}{
		{"event_id", &entry.EventID},
		{"run_id", &entry.RunID},
		{"batch_id", &entry.BatchID},
		{"task_id", &entry.TaskID},
		{"level", &entry.Level},
	} {
		if v, ok := details[field.key].(string); ok {
			*field.dst = v
		}
	}
	return l.WriteEntry(entry)
}

// WriteEntry appends one entry, rotating first if it would push the
// file over the size cap.
func (l *AuditLogger) WriteEntry(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.checksums {
		sum, err := entry.checksum()
		if err != nil {
			return fmt.Errorf("checksum log entry: %w", err)
		}
		entry.Checksum = sum
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	line = append(line, '\n')

	if l.size+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	l.size += int64(n)
	return l.file.Sync()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

func (l *AuditLogger) openAppend() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.file = file
	l.size = stat.Size()
	return nil
}

// rotate moves the current file aside and starts a fresh one. Archive
// names keep the original extension so audit.log archives stay openable
// as logs: audit.20260110_090000.1.log.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotations++
	base := filepath.Base(l.logPath)
	ext := filepath.Ext(base)
	stamp := time.Now().Format("20060102_150405")
	name := fmt.Sprintf("%s.%s.%d%s", strings.TrimSuffix(base, ext), stamp, l.rotations, ext)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}
	return l.openAppend()
}

// VerifyLogIntegrity scans a JSONL audit file and reports how many lines
// it holds and how many of those are intact: parseable, and matching
// their checksum when one is present.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		total++

		var entry LogEntry
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		if entry.Checksum == "" {
			valid++
			continue
		}
		sum, cerr := entry.checksum()
		if cerr == nil && sum == entry.Checksum {
			valid++
		}
	}
	if err := scanner.Err(); err != nil {
		return total, valid, fmt.Errorf("scan log file: %w", err)
	}
	return total, valid, nil
}
