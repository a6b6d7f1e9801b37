package payments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/novotechno/collections/pkg/ledger"
	"github.com/novotechno/collections/pkg/mailbox"
	"github.com/novotechno/collections/pkg/state"
)

// DedupeWindow suppresses reprocessing of identical evidence files.
const DedupeWindow = 24 * time.Hour

// SchedulerMailbox is where paid notifications go so in-flight
// reminders get cancelled.
const SchedulerMailbox = "scheduler"

// Result is the outcome of processing one candidate file.
type Result struct {
	Path       string
	Matched    bool
	Duplicate  bool
	Client     string
	Number     string
	Confidence float64
	Err        error
}

// Detector processes payment evidence: dedupe, match, settle, notify.
type Detector struct {
	store   *state.Store
	matcher *Matcher
	book    *ledger.Ledger
	queue   *mailbox.Queue
	logger  *slog.Logger
	clock   func() time.Time

	mu   sync.Mutex
	seen *lru.LRU[string, time.Time]
	// pending .tmp names, so a rename to .pdf is accepted even when the
	// final name carries no payment marker.
	tmps map[string]time.Time
}

// NewDetector wires the detector. The ledger and queue may be nil.
func NewDetector(store *state.Store, book *ledger.Ledger, queue *mailbox.Queue) *Detector {
	return &Detector{
		store:   store,
		matcher: NewMatcher(store),
		book:    book,
		queue:   queue,
		logger:  slog.Default(),
		clock:   time.Now,
		seen:    lru.NewLRU[string, time.Time](4096, nil, DedupeWindow),
		tmps:    make(map[string]time.Time),
	}
}

// WithLogger replaces the default logger.
func (d *Detector) WithLogger(l *slog.Logger) *Detector {
	d.logger = l
	return d
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// hashEvidence keys the dedupe window: MD5 of contents, path fallback.
func hashEvidence(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return path
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (d *Detector) isDuplicate(path string) bool {
	h := hashEvidence(path)
	d.mu.Lock()
	defer d.mu.Unlock()
	if when, ok := d.seen.Get(h); ok && d.clock().Sub(when) < DedupeWindow {
		return true
	}
	d.seen.Add(h, d.clock())
	return false
}

// Process settles one evidence file end to end.
func (d *Detector) Process(path string) Result {
	res := Result{Path: path}

	if d.isDuplicate(path) {
		res.Duplicate = true
		return res
	}
	d.logger.Info("payment file detected", "path", path)

	match, err := d.matcher.MatchFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	if match == nil {
		d.logger.Warn("payment file matches no open invoice", "path", path)
		return res
	}

	inv := match.Invoice
	now := d.clock().UTC()
	amount := match.Extracted.Amount
	if !match.Extracted.HasAmount {
		amount = inv.Amount
	}

	if _, err := d.store.MarkPaid(inv.Client, inv.Number, state.Payment{
		Method:     match.Extracted.Method,
		Amount:     amount,
		SourceFile: path,
		DetectedAt: now,
	}); err != nil && !errors.Is(err, state.ErrNotFound) {
		res.Err = fmt.Errorf("mark paid %s: %w", inv.Number, err)
		return res
	}

	if d.book != nil {
		if err := d.book.MarkPaid(inv.Number, inv.Amount, match.Extracted.Method, now.Format("2006-01-02")); err != nil {
			if !errors.Is(err, ledger.ErrNotInUnpaid) {
				res.Err = fmt.Errorf("ledger mark paid %s: %w", inv.Number, err)
				return res
			}
			d.logger.Warn("ledger had no unpaid entry", "invoice", inv.Number)
		}
	}

	if d.queue != nil {
		if _, err := d.queue.Send(SchedulerMailbox, mailbox.Message{
			Type:    mailbox.TypeInvoicePaid,
			Invoice: inv.Number,
			Client:  inv.Client,
			Payload: map[string]any{"source_file": path, "method": match.Extracted.Method},
		}); err != nil {
			d.logger.Error("paid notification failed", "invoice", inv.Number, "error", err)
		}
	}

	res.Matched = true
	res.Client = inv.Client
	res.Number = inv.Number
	res.Confidence = match.Confidence
	d.logger.Info("payment processed",
		"invoice", inv.Number, "client", inv.Client, "confidence", match.Confidence)
	return res
}

// candidate decides whether a filesystem event names evidence worth
// processing: payment-marker names, or a .pdf that finishes a .tmp
// staging rename.
func (d *Detector) candidate(path string) bool {
	if strings.HasSuffix(strings.ToLower(path), ".pdf.tmp") {
		d.mu.Lock()
		d.tmps[strings.TrimSuffix(path, ".tmp")] = d.clock()
		d.mu.Unlock()
		return false
	}
	if IsPaymentFile(path) {
		return true
	}
	if strings.HasSuffix(strings.ToLower(path), ".pdf") {
		d.mu.Lock()
		_, staged := d.tmps[path]
		delete(d.tmps, path)
		d.mu.Unlock()
		return staged
	}
	return false
}

// ScanOnce walks the watch paths once, processing everything that looks
// like payment evidence. Used by the --once mode.
func (d *Detector) ScanOnce(ctx context.Context, paths []string) ([]Result, error) {
	var results []Result
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
			if os.IsNotExist(err) {
				d.logger.Warn("watch path missing", "path", root)
				return filepath.SkipAll
			}
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if entry.IsDir() || !IsPaymentFile(path) {
				return nil
			}
			results = append(results, d.Process(path))
			return nil
		})
		if err != nil {
			return results, fmt.Errorf("scan %s: %w", root, err)
		}
	}
	return results, nil
}

// Watch subscribes to create/rename events under the watch paths and
// processes candidates until the context is cancelled. Directories
// created while watching are added to the watch set.
func (d *Detector) Watch(ctx context.Context, paths []string, results chan<- Result) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, root := range paths {
		if err := addRecursive(watcher, root); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			info, statErr := os.Stat(ev.Name)
			if statErr == nil && info.IsDir() {
				if err := addRecursive(watcher, ev.Name); err != nil {
					d.logger.Warn("watch new directory failed", "dir", ev.Name, "error", err)
				}
				continue
			}
			if !d.candidate(ev.Name) {
				continue
			}
			res := d.Process(ev.Name)
			if results != nil {
				results <- res
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("watcher error", "error", err)
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", root, err)
		}
		if entry.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}
