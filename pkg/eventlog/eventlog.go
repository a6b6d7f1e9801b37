// Package eventlog provides the durable, append-only audit stream shared
// by every agent. Records are JSON lines; they are never mutated or
// deleted, and corrupt lines are skipped on replay without stopping it.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventID   string         `json:"event_id"`
	Client    string         `json:"client"`
	Invoice   string         `json:"invoice"`
	Type      string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// Well-known event types.
const (
	TypeCreated      = "created"
	TypeStateUpdate  = "state_update"
	TypeReminderSent = "reminder_sent"
	TypeReminderFail = "reminder_failed"
	TypePaid         = "paid"
	TypeEscalated    = "escalated"
	TypePaused       = "paused"
	TypeResumed      = "resumed"
)

// Log appends to and replays a single JSONL file. Appends are serialised
// in-process and made durable with a write-fsync-rename sequence so a
// crash can never leave a torn record visible.
type Log struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// New creates a log writing at path. The file appears on first append.
func New(path string) *Log {
	return &Log{path: path, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append records one event. The ID is generated here: full UUIDs give the
// ≥64 random bits the generator contract requires.
func (l *Log) Append(client, invoice, eventType string, data map[string]any) (Event, error) {
	ev := Event{
		Timestamp: l.clock().UTC(),
		EventID:   uuid.New().String(),
		Client:    client,
		Invoice:   invoice,
		Type:      eventType,
		Data:      data,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.appendDurable(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("append to event log: %w", err)
	}
	return ev, nil
}

// appendDurable writes existing content plus the new line to a sibling
// temporary, fsyncs, and renames over the log. Caller holds the lock.
func (l *Log) appendDurable(line []byte) error {
	existing, err := os.ReadFile(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if n := len(existing); n > 0 && existing[n-1] != '\n' {
		existing = append(existing, '\n')
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(existing); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return syncDir(filepath.Dir(l.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil // best effort; not all filesystems support it
	}
	defer func() { _ = d.Close() }()
	_ = d.Sync()
	return nil
}

// Replay returns events in append order, optionally only those at or
// after since. Malformed lines are skipped, never fatal.
func (l *Log) Replay(since time.Time) ([]Event, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // corrupt line: skip, keep replaying
		}
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

// ForInvoice filters a replay down to one invoice's history.
func (l *Log) ForInvoice(client, invoice string) ([]Event, error) {
	all, err := l.Replay(time.Time{})
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.Client == client && ev.Invoice == invoice {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Count returns the number of lines in the log, corrupt ones included.
func (l *Log) Count() (int, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
