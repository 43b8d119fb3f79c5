// Package wal keeps an append-only audit log of crawl and scan
// activity as JSON lines. One file per process start; every entry is
// flushed and synced so the log survives a crash mid-cycle.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EntryType classifies audit entries.
type EntryType string

const (
	EntryObserved  EntryType = "observed"
	EntryWarning   EntryType = "warning"
	EntryError     EntryType = "error"
	EntryCycleDone EntryType = "cycle_completed"
	EntryScanDone  EntryType = "scan_completed"
)

const filePrefix = "vahti"

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	CycleID   int64           `json:"cycle_id,omitempty"`
	Resource  string          `json:"resource,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Log is the append-only audit log.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
}

// Open creates or opens an audit log in dir. Sequence numbering
// continues from the highest sequence found in existing log files.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	filename := fmt.Sprintf("%s-%s.wal", filePrefix, time.Now().Format("20060102-150405"))
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644) // #nosec G304 -- path built from config dir
	if err != nil {
		return nil, fmt.Errorf("open audit log file: %w", err)
	}

	l := &Log{
		file:   file,
		writer: bufio.NewWriter(file),
		dir:    dir,
	}

	if err := l.loadSequence(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Append records one entry.
func (l *Log) Append(entryType EntryType, cycleID int64, resource string, data any) error {
	return l.append(entryType, cycleID, resource, data, "")
}

// AppendError records an entry carrying an error.
func (l *Log) AppendError(entryType EntryType, cycleID int64, resource string, err error) error {
	return l.append(entryType, cycleID, resource, nil, err.Error())
}

func (l *Log) append(entryType EntryType, cycleID int64, resource string, data any, errText string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var payload json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal audit data: %w", err)
		}
		payload = encoded
	}

	l.sequence++
	return l.writeEntry(Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  l.sequence,
		Type:      entryType,
		CycleID:   cycleID,
		Resource:  resource,
		Data:      payload,
		Error:     errText,
	})
}

func (l *Log) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	if _, err := l.writer.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit log: %w", err)
	}
	return l.file.Sync()
}

// loadSequence continues numbering after the highest sequence in dir.
func (l *Log) loadSequence() error {
	return Replay(l.dir, time.Time{}, func(entry *Entry) error {
		if entry.Sequence > l.sequence {
			l.sequence = entry.Sequence
		}
		return nil
	})
}

// Reader iterates one audit log file.
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a reader over one log file.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304 -- paths come from the log's own directory
	if err != nil {
		return nil, fmt.Errorf("open audit log file: %w", err)
	}
	return &Reader{scanner: bufio.NewScanner(file), file: file}, nil
}

// Next returns the next entry, io.EOF at end of file.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("corrupt audit entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay walks every log file in dir and calls handler for each entry
// newer than since. A zero since replays everything.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"-*.wal"))
	if err != nil {
		return fmt.Errorf("list audit log files: %w", err)
	}

	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !entry.Timestamp.After(since) {
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}
