// Package ledger maintains the human-readable Markdown mirror of the
// invoice state: three entry sections plus a summary with running
// totals. The file doubles as a machine-parseable record, so every
// write goes through a parse, mutate, render, atomic-replace cycle and
// the totals invariant (section sums equal the grand total) holds at
// every observable point.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDuplicate means the invoice number is already present in some section.
	ErrDuplicate = errors.New("ledger: invoice already present")
	// ErrNotInUnpaid means a move out of Unpaid found no matching entry.
	ErrNotInUnpaid = errors.New("ledger: invoice not in unpaid section")
)

// tolerance under which reconciliation considers two sums equal.
const tolerance = 0.01

// Entry is one parsed ledger line.
type Entry struct {
	Number string
	Amount float64
	Detail string   // client name (Unpaid), escalation reason (Escalated), empty (Paid)
	Tags   []string // "Due: ...", "Paid: ...", "Method: ..." in render order
	Status string
}

var sectionOrder = []string{"Unpaid", "Paid", "Escalated"}

type document struct {
	sections map[string][]Entry
}

// Ledger is a single-writer handle on the ledger file.
type Ledger struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// Open binds a ledger at path, writing the empty skeleton if the file
// does not exist yet.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, clock: time.Now}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := l.store(&document{sections: emptySections()}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat ledger: %w", err)
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func emptySections() map[string][]Entry {
	m := make(map[string][]Entry, len(sectionOrder))
	for _, s := range sectionOrder {
		m[s] = nil
	}
	return m
}

var entryRe = regexp.MustCompile("^- `([^`]+)` \\| \\$([\\d,]+\\.?\\d*)(.*)$")

func (l *Ledger) load() (*document, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	doc := &document{sections: emptySections()}
	current := ""
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "## "):
			current = strings.TrimPrefix(line, "## ")
		case strings.HasPrefix(line, "- `") && current != "" && current != "Summary":
			e, ok := parseEntry(line)
			if !ok {
				continue // tolerate hand-edited lines we cannot parse
			}
			doc.sections[current] = append(doc.sections[current], e)
		}
	}
	return doc, nil
}

func parseEntry(line string) (Entry, bool) {
	m := entryRe.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return Entry{}, false
	}
	e := Entry{Number: m[1], Amount: amount}
	for _, part := range strings.Split(m[3], " | ") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.HasPrefix(part, "Status: "):
			e.Status = strings.TrimPrefix(part, "Status: ")
		case strings.Contains(part, ": "):
			e.Tags = append(e.Tags, part)
		default:
			e.Detail = part
		}
	}
	return e, true
}

// money renders an amount with thousands separators, matching the
// ledger's $1,500.00 entry style.
func money(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	dot := strings.Index(s, ".")
	intPart, frac := s[:dot], s[dot:]
	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}

func renderEntry(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- `%s` | $%s", e.Number, money(e.Amount))
	if e.Detail != "" {
		b.WriteString(" | " + e.Detail)
	}
	for _, tag := range e.Tags {
		b.WriteString(" | " + tag)
	}
	b.WriteString(" | Status: " + e.Status)
	return b.String()
}

func (d *document) total(section string) float64 {
	var sum float64
	for _, e := range d.sections[section] {
		sum += e.Amount
	}
	return sum
}

func (d *document) find(number string) (section string, ok bool) {
	for _, s := range sectionOrder {
		for _, e := range d.sections[s] {
			if e.Number == number {
				return s, true
			}
		}
	}
	return "", false
}

// store renders the document and atomically replaces the file. Totals
// are recomputed from the entries, so the summary invariant cannot
// drift from its sections.
func (l *Ledger) store(d *document) error {
	var b strings.Builder
	b.WriteString("# Collections Ledger\n")
	for _, s := range sectionOrder {
		b.WriteString("\n## " + s + "\n")
		for _, e := range d.sections[s] {
			b.WriteString(renderEntry(e) + "\n")
		}
	}
	unpaid, paid, escalated := d.total("Unpaid"), d.total("Paid"), d.total("Escalated")
	b.WriteString("\n## Summary\n")
	fmt.Fprintf(&b, "- **Unpaid Total:** $%.2f\n", unpaid)
	fmt.Fprintf(&b, "- **Paid Total:** $%.2f\n", paid)
	fmt.Fprintf(&b, "- **Escalated Total:** $%.2f\n", escalated)
	fmt.Fprintf(&b, "- **Grand Total:** $%.2f\n", unpaid+paid+escalated)

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write ledger temp: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

// Add inserts a new invoice into the Unpaid section. The number must
// not be present in any section.
func (l *Ledger) Add(number string, amount float64, client, dueDate string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	if _, exists := doc.find(number); exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, number)
	}
	e := Entry{Number: number, Amount: amount, Detail: client, Status: "unpaid"}
	if dueDate != "" {
		e.Tags = append(e.Tags, "Due: "+dueDate)
	}
	doc.sections["Unpaid"] = append(doc.sections["Unpaid"], e)
	return l.store(doc)
}

// MarkPaid moves an invoice from Unpaid to Paid, adjusting totals in
// the same write.
func (l *Ledger) MarkPaid(number string, amount float64, method, date string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	if !removeFromUnpaid(doc, number) {
		return fmt.Errorf("%w: %s", ErrNotInUnpaid, number)
	}
	if date == "" {
		date = l.clock().UTC().Format("2006-01-02")
	}
	e := Entry{Number: number, Amount: amount, Status: "paid", Tags: []string{"Paid: " + date}}
	if method != "" {
		e.Tags = append(e.Tags, "Method: "+method)
	}
	doc.sections["Paid"] = append(doc.sections["Paid"], e)
	return l.store(doc)
}

// Escalate moves an invoice from Unpaid to Escalated with a reason.
func (l *Ledger) Escalate(number string, amount float64, reason, date string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	if !removeFromUnpaid(doc, number) {
		return fmt.Errorf("%w: %s", ErrNotInUnpaid, number)
	}
	if date == "" {
		date = l.clock().UTC().Format("2006-01-02")
	}
	e := Entry{
		Number: number, Amount: amount, Detail: reason, Status: "escalated",
		Tags: []string{"Escalated: " + date},
	}
	doc.sections["Escalated"] = append(doc.sections["Escalated"], e)
	return l.store(doc)
}

func removeFromUnpaid(d *document, number string) bool {
	entries := d.sections["Unpaid"]
	for i, e := range entries {
		if e.Number == number {
			d.sections["Unpaid"] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Totals is the summary block in structured form.
type Totals struct {
	Unpaid    float64 `json:"unpaid_total"`
	Paid      float64 `json:"paid_total"`
	Escalated float64 `json:"escalated_total"`
	Grand     float64 `json:"grand_total"`
}

// Summary returns the current running totals.
func (l *Ledger) Summary() (Totals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return Totals{}, err
	}
	t := Totals{
		Unpaid:    doc.total("Unpaid"),
		Paid:      doc.total("Paid"),
		Escalated: doc.total("Escalated"),
	}
	t.Grand = t.Unpaid + t.Paid + t.Escalated
	return t, nil
}

// Unpaid returns the parsed entries of the Unpaid section.
func (l *Ledger) Unpaid() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	return doc.sections["Unpaid"], nil
}

// ReconcileResult reports an Unpaid-section audit against state files.
type ReconcileResult struct {
	Passed      bool    `json:"passed"`
	StateTotal  float64 `json:"state_total"`
	LedgerTotal float64 `json:"ledger_total"`
	Discrepancy float64 `json:"discrepancy"`
	StateCount  int     `json:"state_count"`
	AutoFixed   bool    `json:"auto_fixed"`
}

// stateRecord is the slice of an invoice state file reconcile needs.
type stateRecord struct {
	Client  string  `json:"client"`
	Number  string  `json:"number"`
	Amount  float64 `json:"amount"`
	DueDate string  `json:"due_date"`
	Status  string  `json:"status"`
}

// Reconcile compares the Unpaid section total against the sum of active
// state records still awaiting payment. With autoFix it rewrites the
// Unpaid section from the state files; Paid and Escalated are never
// touched.
func (l *Ledger) Reconcile(stateDir string, autoFix bool) (ReconcileResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := collectUnpaidState(stateDir)
	if err != nil {
		return ReconcileResult{}, err
	}
	var stateTotal float64
	for _, r := range records {
		stateTotal += r.Amount
	}

	doc, err := l.load()
	if err != nil {
		return ReconcileResult{}, err
	}
	ledgerTotal := doc.total("Unpaid")

	res := ReconcileResult{
		StateTotal:  stateTotal,
		LedgerTotal: ledgerTotal,
		Discrepancy: math.Abs(stateTotal - ledgerTotal),
		StateCount:  len(records),
	}
	res.Passed = res.Discrepancy < tolerance

	if autoFix && !res.Passed {
		rebuilt := make([]Entry, 0, len(records))
		for _, r := range records {
			e := Entry{Number: r.Number, Amount: r.Amount, Detail: r.Client, Status: "unpaid"}
			if r.DueDate != "" {
				e.Tags = append(e.Tags, "Due: "+r.DueDate[:min(len(r.DueDate), 10)])
			}
			rebuilt = append(rebuilt, e)
		}
		doc.sections["Unpaid"] = rebuilt
		if err := l.store(doc); err != nil {
			return res, err
		}
		res.AutoFixed = true
	}
	return res, nil
}

func collectUnpaidState(stateDir string) ([]stateRecord, error) {
	if _, err := os.Stat(stateDir); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	var records []stateRecord
	err := filepath.WalkDir(stateDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case "archive", "review_queue", "manual":
				if path != stateDir {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".bak") {
			return nil
		}
		data, rErr := os.ReadFile(path)
		if rErr != nil {
			return nil // unreadable record: reconcile on what we can see
		}
		var rec stateRecord
		if json.Unmarshal(data, &rec) != nil {
			return nil
		}
		if rec.Status == "unpaid" || rec.Status == "pending" {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk state dir: %w", err)
	}
	return records, nil
}

// ExportJSON writes the parsed ledger (sections plus totals) to path.
func (l *Ledger) ExportJSON(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	type exportEntry struct {
		Number string   `json:"number"`
		Amount float64  `json:"amount"`
		Detail string   `json:"detail,omitempty"`
		Tags   []string `json:"tags,omitempty"`
		Status string   `json:"status"`
	}
	out := struct {
		ExportedAt time.Time                `json:"exported_at"`
		Sections   map[string][]exportEntry `json:"sections"`
		Totals     Totals                   `json:"totals"`
	}{
		ExportedAt: l.clock().UTC(),
		Sections:   make(map[string][]exportEntry, len(sectionOrder)),
	}
	for _, s := range sectionOrder {
		entries := make([]exportEntry, 0, len(doc.sections[s]))
		for _, e := range doc.sections[s] {
			entries = append(entries, exportEntry(e))
		}
		out.Sections[s] = entries
	}
	out.Totals = Totals{
		Unpaid:    doc.total("Unpaid"),
		Paid:      doc.total("Paid"),
		Escalated: doc.total("Escalated"),
	}
	out.Totals.Grand = out.Totals.Unpaid + out.Totals.Paid + out.Totals.Escalated

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace export: %w", err)
	}
	return nil
}
