package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/novotechno/collections/pkg/eventlog"
)

var (
	// ErrNotFound means no active or archived record exists for the key.
	ErrNotFound = errors.New("state: invoice not found")
	// ErrDuplicate means Create was called for a key that already exists.
	ErrDuplicate = errors.New("state: invoice already exists")
	// ErrCorrupt means both the record and its backup failed verification.
	ErrCorrupt = errors.New("state: record corrupt and unrecoverable")
)

const recordVersion = "1.0"

// persisted is the on-disk envelope: the invoice fields plus metadata.
// Underscore-prefixed fields are excluded from the checksum input.
type persisted struct {
	Invoice
	Checksum  string    `json:"_checksum"`
	UpdatedAt time.Time `json:"_updated_at"`
	Version   string    `json:"_version"`
}

// Store persists invoices as one JSON file per (client, number) under a
// root directory, with terminal records moved to archive/. Writes are
// atomic (temp file, 0600, rename) and every record carries a checksum
// over its canonical serialisation.
type Store struct {
	root   string
	events *eventlog.Log
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Reserved subdirectories of the state root that never hold active records.
var reservedDirs = map[string]bool{
	"archive":      true,
	"review_queue": true,
	"manual":       true,
}

// NewStore opens a store rooted at dir, creating it if needed.
func NewStore(dir string, events *eventlog.Log) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		root:   dir,
		events: events,
		logger: slog.Default(),
		clock:  time.Now,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the state directory the store operates on.
func (s *Store) Root() string {
	return s.root
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithLogger replaces the default logger.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	s.logger = l
	return s
}

func (s *Store) keyLock(client, number string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := client + "/" + number
	if l, ok := s.locks[k]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[k] = l
	return l
}

func safePart(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return r.Replace(name)
}

func (s *Store) activePath(client, number string) string {
	return filepath.Join(s.root, safePart(client), safePart(number)+".json")
}

func (s *Store) archivePath(client, number string) string {
	return filepath.Join(s.root, "archive", safePart(client), safePart(number)+".json")
}

// checksum computes the first 16 hex characters of SHA-256 over the
// canonical (RFC 8785) JSON of the record with metadata fields removed.
func checksum(raw []byte) (string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	for k := range m {
		if strings.HasPrefix(k, "_") {
			delete(m, k)
		}
	}
	stripped, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16], nil
}

// write persists a record at path with fresh metadata and an atomic
// replace. The parent directory is created on demand.
func (s *Store) write(path string, inv Invoice) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invoice: %w", err)
	}
	sum, err := checksum(body)
	if err != nil {
		return err
	}
	rec := persisted{
		Invoice:   inv,
		Checksum:  sum,
		UpdatedAt: s.clock().UTC(),
		Version:   recordVersion,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create client dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// read loads and verifies one record file. On checksum or parse failure
// it falls back to the sibling .bak; if that also fails it reports
// ErrCorrupt.
func (s *Store) read(path string, verify bool) (Invoice, error) {
	inv, err := readVerified(path, verify)
	if err == nil {
		return inv, nil
	}
	if os.IsNotExist(err) {
		return Invoice{}, ErrNotFound
	}

	bak, bakErr := readVerified(path+".bak", verify)
	if bakErr == nil {
		s.logger.Warn("recovered record from backup",
			"path", path, "cause", err)
		if wErr := s.write(path, bak); wErr != nil {
			return Invoice{}, fmt.Errorf("restore from backup: %w", wErr)
		}
		return bak, nil
	}
	return Invoice{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
}

func readVerified(path string, verify bool) (Invoice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Invoice{}, err
	}
	var rec persisted
	if err := json.Unmarshal(data, &rec); err != nil {
		return Invoice{}, fmt.Errorf("parse record: %w", err)
	}
	if verify {
		body, err := json.Marshal(rec.Invoice)
		if err != nil {
			return Invoice{}, err
		}
		sum, err := checksum(body)
		if err != nil {
			return Invoice{}, err
		}
		if rec.Checksum != "" && sum != rec.Checksum {
			return Invoice{}, fmt.Errorf("checksum mismatch: have %s want %s", sum, rec.Checksum)
		}
	}
	return rec.Invoice, nil
}

func (s *Store) emit(client, number, eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(client, number, eventType, data); err != nil {
		s.logger.Error("event append failed", "client", client, "invoice", number, "error", err)
	}
}

// Create registers a new invoice. It fails with ErrDuplicate if an
// active or archived record already exists for the key.
func (s *Store) Create(inv Invoice) error {
	lock := s.keyLock(inv.Client, inv.Number)
	lock.Lock()
	defer lock.Unlock()

	if inv.Status == "" {
		inv.Status = StatusUnpaid
	}
	if inv.ScannedAt.IsZero() {
		inv.ScannedAt = s.clock().UTC()
	}

	for _, p := range []string{s.activePath(inv.Client, inv.Number), s.archivePath(inv.Client, inv.Number)} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, inv.Client, inv.Number)
		}
	}
	if err := s.write(s.activePath(inv.Client, inv.Number), inv); err != nil {
		return err
	}
	s.emit(inv.Client, inv.Number, eventlog.TypeCreated, map[string]any{
		"amount": inv.Amount, "status": inv.Status, "confidence": inv.Confidence,
	})
	return nil
}

// Read returns the active record for a key, verifying its checksum and
// recovering from backup when needed. Archived records are consulted if
// no active one exists.
func (s *Store) Read(client, number string) (Invoice, error) {
	lock := s.keyLock(client, number)
	lock.Lock()
	defer lock.Unlock()
	return s.readLocked(client, number)
}

func (s *Store) readLocked(client, number string) (Invoice, error) {
	inv, err := s.read(s.activePath(client, number), true)
	if errors.Is(err, ErrNotFound) {
		return s.read(s.archivePath(client, number), true)
	}
	return inv, err
}

// Update applies fn to the current record and writes the result back
// under the key's lock.
func (s *Store) Update(client, number string, fn func(*Invoice) error) (Invoice, error) {
	lock := s.keyLock(client, number)
	lock.Lock()
	defer lock.Unlock()

	inv, err := s.read(s.activePath(client, number), true)
	if err != nil {
		return Invoice{}, err
	}
	if err := fn(&inv); err != nil {
		return Invoice{}, err
	}
	if err := s.write(s.activePath(client, number), inv); err != nil {
		return Invoice{}, err
	}
	s.emit(client, number, eventlog.TypeStateUpdate, map[string]any{"status": inv.Status})
	return inv, nil
}

// MarkPaid records payment evidence, sets the terminal paid status, and
// moves the record to the archive. Calling it again for an already-paid
// invoice is a no-op returning the archived record.
func (s *Store) MarkPaid(client, number string, payment Payment) (Invoice, error) {
	lock := s.keyLock(client, number)
	lock.Lock()
	defer lock.Unlock()

	inv, err := s.read(s.activePath(client, number), true)
	if errors.Is(err, ErrNotFound) {
		arch, aErr := s.read(s.archivePath(client, number), true)
		if aErr == nil && arch.Status == StatusPaid {
			return arch, nil // already settled
		}
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, err
	}

	now := s.clock().UTC()
	inv.Status = StatusPaid
	inv.PaidAt = &now
	if payment.DetectedAt.IsZero() {
		payment.DetectedAt = now
	}
	inv.Payment = &payment

	if err := s.archive(inv); err != nil {
		return Invoice{}, err
	}
	s.emit(client, number, eventlog.TypePaid, map[string]any{
		"amount": payment.Amount, "method": payment.Method, "source_file": payment.SourceFile,
	})
	return inv, nil
}

// Escalate sets the terminal escalated status and archives the record.
// Already-escalated invoices are a no-op.
func (s *Store) Escalate(client, number, reason string) (Invoice, error) {
	lock := s.keyLock(client, number)
	lock.Lock()
	defer lock.Unlock()

	inv, err := s.read(s.activePath(client, number), true)
	if errors.Is(err, ErrNotFound) {
		arch, aErr := s.read(s.archivePath(client, number), true)
		if aErr == nil && arch.Status == StatusEscalated {
			return arch, nil
		}
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, err
	}

	inv.Status = StatusEscalated
	if err := s.archive(inv); err != nil {
		return Invoice{}, err
	}
	s.emit(client, number, eventlog.TypeEscalated, map[string]any{"reason": reason})
	return inv, nil
}

// archive writes the record under archive/{client}/ and removes the
// active file. Caller holds the key lock.
func (s *Store) archive(inv Invoice) error {
	if err := s.write(s.archivePath(inv.Client, inv.Number), inv); err != nil {
		return fmt.Errorf("archive record: %w", err)
	}
	active := s.activePath(inv.Client, inv.Number)
	if err := os.Remove(active); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove active record: %w", err)
	}
	_ = os.Remove(active + ".bak")
	return nil
}

// RecordReminder appends an entry to the invoice's reminder log. The
// scheduler relies on this being visible before the next Due evaluation.
func (s *Store) RecordReminder(client, number string, rec ReminderRecord) (Invoice, error) {
	if rec.SentAt.IsZero() {
		rec.SentAt = s.clock().UTC()
	}
	inv, err := s.Update(client, number, func(inv *Invoice) error {
		inv.ReminderLog = append(inv.ReminderLog, rec)
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	evType := eventlog.TypeReminderSent
	if rec.Outcome != "sent" {
		evType = eventlog.TypeReminderFail
	}
	s.emit(client, number, evType, map[string]any{"rule": rec.RuleID, "outcome": rec.Outcome})
	return inv, nil
}

// PauseClient moves every active unpaid invoice of a client to paused.
// Returns the numbers affected.
func (s *Store) PauseClient(client string) ([]string, error) {
	return s.toggleClient(client, StatusUnpaid, StatusPaused, eventlog.TypePaused)
}

// ResumeClient reverses PauseClient.
func (s *Store) ResumeClient(client string) ([]string, error) {
	return s.toggleClient(client, StatusPaused, StatusUnpaid, eventlog.TypeResumed)
}

func (s *Store) toggleClient(client, from, to, evType string) ([]string, error) {
	invoices, err := s.listClient(client)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, inv := range invoices {
		if inv.Status != from {
			continue
		}
		_, err := s.Update(client, inv.Number, func(i *Invoice) error {
			i.Status = to
			return nil
		})
		if err != nil {
			return changed, err
		}
		s.emit(client, inv.Number, evType, nil)
		changed = append(changed, inv.Number)
	}
	return changed, nil
}

// IsPaused reports whether any active invoice for the client is paused.
func (s *Store) IsPaused(client string) (bool, error) {
	invoices, err := s.listClient(client)
	if err != nil {
		return false, err
	}
	for _, inv := range invoices {
		if inv.Status == StatusPaused {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) listClient(client string) ([]Invoice, error) {
	dir := filepath.Join(s.root, safePart(client))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list client dir: %w", err)
	}
	var out []Invoice
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".bak") {
			continue
		}
		number := strings.TrimSuffix(name, ".json")
		inv, err := s.read(filepath.Join(dir, name), true)
		if err != nil {
			s.logger.Error("skipping unreadable record", "client", client, "invoice", number, "error", err)
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

// ListActive returns every active (non-archived) record, sorted by
// client then number. Unreadable records are logged and skipped.
func (s *Store) ListActive() ([]Invoice, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list state dir: %w", err)
	}
	var out []Invoice
	for _, e := range entries {
		if !e.IsDir() || reservedDirs[e.Name()] {
			continue
		}
		invoices, err := s.listClient(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, invoices...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Client != out[j].Client {
			return out[i].Client < out[j].Client
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

// ListUnpaid returns active records still awaiting payment, meaning
// status unpaid or paused.
func (s *Store) ListUnpaid() ([]Invoice, error) {
	all, err := s.ListActive()
	if err != nil {
		return nil, err
	}
	var out []Invoice
	for _, inv := range all {
		if inv.Status == StatusUnpaid || inv.Status == StatusPaused {
			out = append(out, inv)
		}
	}
	return out, nil
}

// ListArchived returns every archived record.
func (s *Store) ListArchived() ([]Invoice, error) {
	root := filepath.Join(s.root, "archive")
	var out []Invoice
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		inv, rErr := s.read(path, true)
		if rErr != nil {
			s.logger.Error("skipping unreadable archive record", "path", path, "error", rErr)
			return nil
		}
		out = append(out, inv)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk archive: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Client != out[j].Client {
			return out[i].Client < out[j].Client
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

// CreateBackup snapshots the active record to a sibling .bak file.
func (s *Store) CreateBackup(client, number string) error {
	lock := s.keyLock(client, number)
	lock.Lock()
	defer lock.Unlock()

	path := s.activePath(client, number)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read record for backup: %w", err)
	}
	tmp := path + ".bak.tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := os.Rename(tmp, path+".bak"); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace backup: %w", err)
	}
	return nil
}

// IntegrityReport is one record's verification outcome.
type IntegrityReport struct {
	Client  string
	Number  string
	OK      bool
	Problem string
}

// VerifyIntegrity re-checks every active record's checksum without
// mutating anything.
func (s *Store) VerifyIntegrity() ([]IntegrityReport, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var reports []IntegrityReport
	for _, e := range entries {
		if !e.IsDir() || reservedDirs[e.Name()] {
			continue
		}
		client := e.Name()
		files, err := os.ReadDir(filepath.Join(s.root, client))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".bak") {
				continue
			}
			number := strings.TrimSuffix(name, ".json")
			rep := IntegrityReport{Client: client, Number: number, OK: true}
			if _, err := readVerified(filepath.Join(s.root, client, name), true); err != nil {
				rep.OK = false
				rep.Problem = err.Error()
			}
			reports = append(reports, rep)
		}
	}
	return reports, nil
}

// QueueForReview writes a copy of the invoice into review_queue/ for a
// human to confirm before it becomes active state.
func (s *Store) QueueForReview(inv Invoice) error {
	inv.Status = StatusInReview
	path := filepath.Join(s.root, "review_queue", safePart(inv.Client)+"_"+safePart(inv.Number)+".json")
	return s.write(path, inv)
}

// QueueManual writes the raw extraction into manual/ when confidence is
// too low for any automated handling.
func (s *Store) QueueManual(inv Invoice) error {
	inv.Status = StatusInReview
	path := filepath.Join(s.root, "manual", safePart(inv.Client)+"_"+safePart(inv.Number)+".json")
	return s.write(path, inv)
}
