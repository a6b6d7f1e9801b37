// Package supervisor watches the other agents: heartbeat freshness,
// state consistency, queue depth, and the escalation path when an agent
// goes quiet.
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// beatEntry is one heartbeat log line. Agents append live beats; the
// supervisor appends stale markers when it catches an agent silent, so
// consecutive misses survive supervisor restarts.
type beatEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	Stale     bool      `json:"stale,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Heartbeat appends beats for one agent.
type Heartbeat struct {
	dir   string
	agent string
	clock func() time.Time
}

// NewHeartbeat binds an agent to the heartbeat directory.
func NewHeartbeat(dir, agent string) *Heartbeat {
	return &Heartbeat{dir: dir, agent: agent, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (h *Heartbeat) WithClock(clock func() time.Time) *Heartbeat {
	h.clock = clock
	return h
}

// Beat records one live heartbeat. Agents call this once per cycle.
func (h *Heartbeat) Beat() error {
	return appendBeat(h.dir, h.agent, beatEntry{
		Timestamp: h.clock().UTC(),
		Agent:     h.agent,
	})
}

func appendBeat(dir, agent string, e beatEntry) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, agent+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open heartbeat log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append heartbeat: %w", err)
	}
	return f.Close()
}

// readBeats returns the last n parseable entries of an agent's log.
func readBeats(dir, agent string, n int) ([]beatEntry, error) {
	f, err := os.Open(filepath.Join(dir, agent+".log"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open heartbeat log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []beatEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e beatEntry
		if json.Unmarshal(scanner.Bytes(), &e) != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// lastLiveBeat finds the newest non-stale entry.
func lastLiveBeat(entries []beatEntry) (time.Time, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Stale {
			return entries[i].Timestamp, true
		}
	}
	return time.Time{}, false
}

// trailingStaleCount counts consecutive stale markers at the tail.
func trailingStaleCount(entries []beatEntry) int {
	n := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Stale {
			break
		}
		n++
	}
	return n
}
