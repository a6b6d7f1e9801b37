package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/novotechno/collections/pkg/state"
)

// Routing thresholds on overall confidence.
const (
	AutoThreshold   = 0.95
	ReviewThreshold = 0.85
)

// Route names for scan results.
const (
	RouteAuto    = "auto"
	RouteReview  = "review"
	RouteManual  = "manual"
	RouteSkipped = "skipped"
	RouteError   = "error"
)

// stateWriter is the slice of the state store the scanner drives.
type stateWriter interface {
	Create(inv state.Invoice) error
	QueueForReview(inv state.Invoice) error
	QueueManual(inv state.Invoice) error
}

// ledgerWriter mirrors auto-accepted invoices into the ledger.
type ledgerWriter interface {
	Add(number string, amount float64, client, dueDate string) error
}

// ScanResult is the outcome for one candidate file.
type ScanResult struct {
	Path       string
	Client     string
	Number     string
	Confidence float64
	Route      string
	Err        error
}

// Scanner walks watched directories laid out leaf-per-client
// (dir/{client}/{document}.pdf), suppresses files already seen via a
// content-hash index, and routes parse results by confidence.
type Scanner struct {
	dirs      []string
	extractor Extractor
	parser    *Parser
	store     stateWriter
	ledger    ledgerWriter
	indexPath string
	logger    *slog.Logger
	clock     func() time.Time

	mu    sync.Mutex
	known map[string]bool
}

// NewScanner builds a scanner over the watched dirs. indexPath is the
// persistent known-files hash set; ledger may be nil.
func NewScanner(dirs []string, extractor Extractor, store stateWriter, ledger ledgerWriter, indexPath string) (*Scanner, error) {
	s := &Scanner{
		dirs:      dirs,
		extractor: extractor,
		parser:    NewParser(),
		store:     store,
		ledger:    ledger,
		indexPath: indexPath,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	if err := s.loadKnown(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithLogger replaces the default logger.
func (s *Scanner) WithLogger(l *slog.Logger) *Scanner {
	s.logger = l
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Scanner) WithClock(clock func() time.Time) *Scanner {
	s.clock = clock
	return s
}

func (s *Scanner) loadKnown() error {
	s.known = make(map[string]bool)
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read known-files index: %w", err)
	}
	var hashes []string
	if err := json.Unmarshal(data, &hashes); err != nil {
		s.logger.Warn("known-files index unreadable, starting fresh", "error", err)
		return nil
	}
	for _, h := range hashes {
		s.known[h] = true
	}
	return nil
}

func (s *Scanner) saveKnown() error {
	hashes := make([]string, 0, len(s.known))
	for h := range s.known {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	data, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.indexPath), 0o700); err != nil {
		return err
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// hashFile is the ingest-dedupe key: MD5 over file contents.
func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// isNew marks the file as seen and reports whether it was unseen
// before. The index is persisted immediately so a crash mid-scan never
// re-ingests processed files.
func (s *Scanner) isNew(path string) (bool, error) {
	h, err := hashFile(path)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[h] {
		return false, nil
	}
	s.known[h] = true
	if err := s.saveKnown(); err != nil {
		s.logger.Warn("known-files index save failed", "error", err)
	}
	return true, nil
}

// ScanAll walks every watched directory once and processes new PDFs.
func (s *Scanner) ScanAll(ctx context.Context) ([]ScanResult, error) {
	var results []ScanResult
	for _, dir := range s.dirs {
		clients, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			s.logger.Warn("watched directory missing", "dir", dir)
			continue
		}
		if err != nil {
			return results, fmt.Errorf("list watch dir: %w", err)
		}
		for _, c := range clients {
			if !c.IsDir() {
				continue
			}
			client := c.Name()
			files, err := os.ReadDir(filepath.Join(dir, client))
			if err != nil {
				return results, fmt.Errorf("list client dir: %w", err)
			}
			for _, f := range files {
				if ctx.Err() != nil {
					return results, ctx.Err()
				}
				if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".pdf") {
					continue
				}
				path := filepath.Join(dir, client, f.Name())
				results = append(results, s.processFile(ctx, client, path))
			}
		}
	}
	return results, nil
}

func (s *Scanner) processFile(ctx context.Context, client, path string) ScanResult {
	res := ScanResult{Path: path, Client: client}

	fresh, err := s.isNew(path)
	if err != nil {
		res.Route, res.Err = RouteError, err
		return res
	}
	if !fresh {
		res.Route = RouteSkipped
		return res
	}

	doc, err := s.extractor.Extract(ctx, path)
	if err != nil {
		res.Route, res.Err = RouteError, fmt.Errorf("extract %s: %w", path, err)
		s.logger.Error("document extraction failed", "path", path, "error", err)
		return res
	}
	parsed := s.parser.Parse(doc)
	res.Number = parsed.Number
	res.Confidence = parsed.Confidence

	inv := state.Invoice{
		Client:     client,
		Number:     parsed.Number,
		Amount:     parsed.Amount,
		DueDate:    parsed.DueDate,
		SourcePath: path,
		Confidence: parsed.Confidence,
		Status:     state.StatusUnpaid,
		ScannedAt:  s.clock().UTC(),
	}

	switch {
	case parsed.Confidence >= AutoThreshold && parsed.Number != "":
		if err := s.store.Create(inv); err != nil {
			res.Route, res.Err = RouteError, err
			return res
		}
		if s.ledger != nil {
			due := ""
			if !parsed.DueDate.IsZero() {
				due = parsed.DueDate.Format("2006-01-02")
			}
			if err := s.ledger.Add(parsed.Number, parsed.Amount, client, due); err != nil {
				s.logger.Error("ledger add failed", "invoice", parsed.Number, "error", err)
			}
		}
		res.Route = RouteAuto
	case parsed.Confidence >= ReviewThreshold && parsed.Number != "":
		if err := s.store.QueueForReview(inv); err != nil {
			res.Route, res.Err = RouteError, err
			return res
		}
		res.Route = RouteReview
	default:
		if inv.Number == "" {
			inv.Number = "UNKNOWN-" + filepath.Base(path)
		}
		if err := s.store.QueueManual(inv); err != nil {
			res.Route, res.Err = RouteError, err
			return res
		}
		res.Route = RouteManual
	}

	s.logger.Info("document ingested",
		"path", path, "client", client, "invoice", res.Number,
		"confidence", fmt.Sprintf("%.2f", parsed.Confidence), "route", res.Route)
	return res
}
