package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/novotechno/collections/pkg/ledger"
	"github.com/novotechno/collections/pkg/state"
)

// queueHealthyBelow is the per-mailbox depth under which the queues
// count as healthy.
const queueHealthyBelow = 100

// InvoiceTotals summarises the active state files.
type InvoiceTotals struct {
	UnpaidTotal float64  `json:"unpaid_total"`
	UnpaidCount int      `json:"unpaid_count"`
	ErrorCount  int      `json:"error_count"`
	Errors      []string `json:"errors,omitempty"`
}

// QueueHealth reports mailbox depths.
type QueueHealth struct {
	Healthy bool           `json:"healthy"`
	Depths  map[string]int `json:"depths"`
}

// ReconcileReport is the full consistency assessment.
type ReconcileReport struct {
	Invoices  InvoiceTotals          `json:"invoices"`
	Ledger    ledger.ReconcileResult `json:"ledger"`
	Queues    QueueHealth            `json:"queues"`
	Timestamp time.Time              `json:"timestamp"`
}

// Consistent reports whether nothing needs operator attention.
func (r ReconcileReport) Consistent() bool {
	return r.Invoices.ErrorCount == 0 && r.Ledger.Passed && r.Queues.Healthy
}

// Reconciler cross-checks state files, the ledger, and queue depths.
type Reconciler struct {
	store    *state.Store
	book     *ledger.Ledger
	queueDir string
	clock    func() time.Time
}

// NewReconciler wires the reconciler over the shared stores.
func NewReconciler(store *state.Store, book *ledger.Ledger, queueDir string) *Reconciler {
	return &Reconciler{store: store, book: book, queueDir: queueDir, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// ReconcileAll runs every consistency check and returns the combined
// report.
func (r *Reconciler) ReconcileAll() (ReconcileReport, error) {
	rep := ReconcileReport{Timestamp: r.clock().UTC()}

	invoices, err := r.reconcileInvoices()
	if err != nil {
		return rep, err
	}
	rep.Invoices = invoices

	ledgerRes, err := r.book.Reconcile(r.store.Root(), false)
	if err != nil {
		return rep, fmt.Errorf("ledger reconcile: %w", err)
	}
	rep.Ledger = ledgerRes

	rep.Queues, err = r.queueHealth()
	if err != nil {
		return rep, err
	}
	return rep, nil
}

func (r *Reconciler) reconcileInvoices() (InvoiceTotals, error) {
	var totals InvoiceTotals

	reports, err := r.store.VerifyIntegrity()
	if err != nil {
		return totals, fmt.Errorf("verify state integrity: %w", err)
	}
	for _, rep := range reports {
		if !rep.OK {
			totals.ErrorCount++
			if len(totals.Errors) < 10 {
				totals.Errors = append(totals.Errors,
					fmt.Sprintf("%s/%s: %s", rep.Client, rep.Number, rep.Problem))
			}
		}
	}

	unpaid, err := r.store.ListUnpaid()
	if err != nil {
		return totals, err
	}
	for _, inv := range unpaid {
		totals.UnpaidTotal += inv.Amount
		totals.UnpaidCount++
	}
	return totals, nil
}

func (r *Reconciler) queueHealth() (QueueHealth, error) {
	health := QueueHealth{Healthy: true, Depths: make(map[string]int)}

	entries, err := os.ReadDir(r.queueDir)
	if os.IsNotExist(err) {
		return health, nil
	}
	if err != nil {
		return health, fmt.Errorf("list queue dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		depth, err := countLines(filepath.Join(r.queueDir, name))
		if err != nil {
			continue
		}
		recipient := strings.TrimSuffix(name, ".jsonl")
		health.Depths[recipient] = depth
		if depth >= queueHealthyBelow {
			health.Healthy = false
		}
	}
	return health, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
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
