// Package mailbox is the file-backed inter-agent channel: one JSONL
// file per recipient, FIFO within it, with a 24-hour dedupe window so
// repeated detections of the same fact produce one message.
package mailbox

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeWindow is how long an identical (type, invoice, client) triple
// is suppressed after first send.
const DedupeWindow = 24 * time.Hour

// Well-known message types.
const (
	TypeInvoicePaid     = "INVOICE_PAID"
	TypeAgentEscalation = "AGENT_ESCALATION"
	TypePauseClient     = "PAUSE_CLIENT"
)

// Message is one inter-agent notification.
type Message struct {
	Type     string         `json:"type"`
	Invoice  string         `json:"invoice,omitempty"`
	Client   string         `json:"client,omitempty"`
	TS       time.Time      `json:"ts"`
	Payload  map[string]any `json:"payload,omitempty"`
	QueuedAt float64        `json:"_queued_at,omitempty"`
}

// Queue manages the mailbox directory. Duplicate suppression is double
// layered: a process-local expiring cache answers the common case
// without touching disk, and marker files carry the window across
// restarts and between agents.
type Queue struct {
	dir    string
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	seen  *lru.LRU[string, time.Time]
}

// NewQueue opens a queue rooted at dir, creating it if needed.
func NewQueue(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Queue{
		dir:    dir,
		logger: slog.Default(),
		clock:  time.Now,
		locks:  make(map[string]*sync.Mutex),
		seen:   lru.NewLRU[string, time.Time](4096, nil, DedupeWindow),
	}, nil
}

// WithClock overrides the clock for deterministic testing. The
// in-process cache keeps wall-clock expiry; marker files follow the
// injected clock.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// WithLogger replaces the default logger.
func (q *Queue) WithLogger(l *slog.Logger) *Queue {
	q.logger = l
	return q
}

func (q *Queue) recipientLock(recipient string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.locks[recipient]; ok {
		return l
	}
	l := &sync.Mutex{}
	q.locks[recipient] = l
	return l
}

func safeName(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
}

func (q *Queue) queuePath(recipient string) string {
	return filepath.Join(q.dir, safeName(recipient)+".jsonl")
}

// hashMessage keys the dedupe window: md5 over "type:invoice:client".
func hashMessage(m Message) string {
	sum := md5.Sum([]byte(m.Type + ":" + m.Invoice + ":" + m.Client))
	return hex.EncodeToString(sum[:])
}

// Send appends a message to the recipient's mailbox unless an identical
// one was sent within the dedupe window. Returns true when the message
// was actually queued.
func (q *Queue) Send(recipient string, msg Message) (bool, error) {
	lock := q.recipientLock(recipient)
	lock.Lock()
	defer lock.Unlock()

	now := q.clock()
	if msg.TS.IsZero() {
		msg.TS = now.UTC()
	}
	msg.QueuedAt = float64(now.UnixNano()) / 1e9

	if q.isDuplicate(msg, now) {
		q.logger.Debug("message suppressed by dedupe window",
			"recipient", recipient, "type", msg.Type, "invoice", msg.Invoice)
		return false, nil
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshal message: %w", err)
	}
	f, err := os.OpenFile(q.queuePath(recipient), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("open mailbox: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("append message: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close mailbox: %w", err)
	}

	if err := q.markSent(msg, now); err != nil {
		q.logger.Warn("dedupe marker write failed", "error", err)
	}
	q.logger.Info("message queued",
		"recipient", recipient, "type", msg.Type, "invoice", msg.Invoice, "client", msg.Client)
	return true, nil
}

// isDuplicate consults the in-process cache first, then the marker
// file. Expired markers are removed on the way through.
func (q *Queue) isDuplicate(msg Message, now time.Time) bool {
	h := hashMessage(msg)
	if _, ok := q.seen.Get(h); ok {
		return true
	}
	marker := filepath.Join(q.dir, "dedupe_"+h+".json")
	info, err := os.Stat(marker)
	if err != nil {
		return false
	}
	// A marker from the future means clock skew; treating it as live
	// would suppress sends until mtime+window, so it expires instead.
	age := now.Sub(info.ModTime())
	if age >= 0 && age < DedupeWindow {
		return true
	}
	_ = os.Remove(marker)
	return false
}

func (q *Queue) markSent(msg Message, now time.Time) error {
	q.seen.Add(hashMessage(msg), now)
	marker := filepath.Join(q.dir, "dedupe_"+hashMessage(msg)+".json")
	body, err := json.Marshal(map[string]any{
		"type": msg.Type, "invoice": msg.Invoice, "client": msg.Client, "sent_at": now.UTC(),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(marker, body, 0o600); err != nil {
		return err
	}
	return os.Chtimes(marker, now, now)
}

// Receive drains the recipient's mailbox: every queued message is
// returned in FIFO order and the file is removed. Invalid lines are
// logged and skipped.
func (q *Queue) Receive(recipient string) ([]Message, error) {
	lock := q.recipientLock(recipient)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := q.readAll(recipient)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(q.queuePath(recipient)); err != nil && !os.IsNotExist(err) {
		return msgs, fmt.Errorf("clear mailbox: %w", err)
	}
	return msgs, nil
}

// Peek returns queued messages without removing them.
func (q *Queue) Peek(recipient string) ([]Message, error) {
	lock := q.recipientLock(recipient)
	lock.Lock()
	defer lock.Unlock()
	return q.readAll(recipient)
}

func (q *Queue) readAll(recipient string) ([]Message, error) {
	f, err := os.Open(q.queuePath(recipient))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	defer func() { _ = f.Close() }()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			q.logger.Warn("invalid message in mailbox", "recipient", recipient, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return msgs, fmt.Errorf("scan mailbox: %w", err)
	}
	return msgs, nil
}

// PruneMarkers removes dedupe markers older than the window. Agents run
// this opportunistically; it is never required for correctness.
func (q *Queue) PruneMarkers() (int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, fmt.Errorf("list queue dir: %w", err)
	}
	now := q.clock()
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "dedupe_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age >= DedupeWindow || age < 0 {
			if os.Remove(filepath.Join(q.dir, name)) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
