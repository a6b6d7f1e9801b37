package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "collections.ledger"))
	require.NoError(t, err)
	return l
}

func TestOpenWritesSkeleton(t *testing.T) {
	l := openTest(t)
	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	content := string(data)
	for _, want := range []string{"# Collections Ledger", "## Unpaid", "## Paid", "## Escalated", "## Summary", "**Grand Total:** $0.00"} {
		assert.Contains(t, content, want)
	}
}

func TestAddRendersLineGrammar(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.Add("INV-001", 1500, "Acme Corp", "2026-09-10"))

	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Contains(t, string(data),
		"- `INV-001` | $1,500.00 | Acme Corp | Due: 2026-09-10 | Status: unpaid")

	entries, err := l.Unpaid()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "INV-001", entries[0].Number)
	assert.Equal(t, 1500.0, entries[0].Amount)
	assert.Equal(t, "Acme Corp", entries[0].Detail)
}

func TestAddRejectsDuplicateAcrossSections(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.Add("INV-001", 1500, "Acme Corp", ""))
	assert.ErrorIs(t, l.Add("INV-001", 99, "Other", ""), ErrDuplicate)

	require.NoError(t, l.MarkPaid("INV-001", 1500, "transfer", "2026-08-24"))
	assert.ErrorIs(t, l.Add("INV-001", 1500, "Acme Corp", ""), ErrDuplicate,
		"paid entries still block re-adding the number")
}

func TestMarkPaidMovesEntryAndTotals(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.Add("INV-001", 1500, "Acme Corp", ""))
	require.NoError(t, l.Add("INV-002", 500, "Globex", ""))

	require.NoError(t, l.MarkPaid("INV-001", 1500, "transfer", "2026-08-24"))

	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Contains(t, string(data),
		"- `INV-001` | $1,500.00 | Paid: 2026-08-24 | Method: transfer | Status: paid")

	totals, err := l.Summary()
	require.NoError(t, err)
	assert.InDelta(t, 500, totals.Unpaid, 0.001)
	assert.InDelta(t, 1500, totals.Paid, 0.001)
	assert.InDelta(t, 2000, totals.Grand, 0.001)
}

func TestMarkPaidMissingEntry(t *testing.T) {
	l := openTest(t)
	assert.ErrorIs(t, l.MarkPaid("INV-404", 1, "", ""), ErrNotInUnpaid)
}

func TestEscalateMovesEntry(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.Add("INV-001", 1500, "Acme Corp", ""))
	require.NoError(t, l.Escalate("INV-001", 1500, "14 days overdue", "2026-09-24"))

	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Contains(t, string(data),
		"- `INV-001` | $1,500.00 | 14 days overdue | Escalated: 2026-09-24 | Status: escalated")

	totals, err := l.Summary()
	require.NoError(t, err)
	assert.InDelta(t, 0, totals.Unpaid, 0.001)
	assert.InDelta(t, 1500, totals.Escalated, 0.001)
}

func TestTotalsInvariantAfterEveryWrite(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.Add("INV-001", 1200.50, "Acme Corp", ""))
	require.NoError(t, l.Add("INV-002", 799.50, "Globex", ""))
	require.NoError(t, l.MarkPaid("INV-001", 1200.50, "", ""))
	require.NoError(t, l.Escalate("INV-002", 799.50, "no response", ""))

	totals, err := l.Summary()
	require.NoError(t, err)
	assert.InDelta(t, totals.Grand, totals.Unpaid+totals.Paid+totals.Escalated, 0.001)
	assert.InDelta(t, 2000, totals.Grand, 0.001)
}

func writeStateFile(t *testing.T, dir, client, number string, amount float64, status string) {
	t.Helper()
	rec := map[string]any{
		"client": client, "number": number, "amount": amount,
		"due_date": "2026-09-10", "status": status,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, client), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, client, number+".json"), data, 0o600))
}

func TestReconcileDetectsDiscrepancy(t *testing.T) {
	l := openTest(t)
	stateDir := t.TempDir()

	writeStateFile(t, stateDir, "acme", "INV-001", 1500, "unpaid")
	writeStateFile(t, stateDir, "globex", "INV-002", 500, "unpaid")
	require.NoError(t, l.Add("INV-001", 1500, "Acme Corp", ""))
	// INV-002 missing from ledger: 500 off.

	res, err := l.Reconcile(stateDir, false)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.InDelta(t, 500, res.Discrepancy, 0.001)
	assert.Equal(t, 2, res.StateCount)
	assert.False(t, res.AutoFixed)
}

func TestReconcilePassesWithinTolerance(t *testing.T) {
	l := openTest(t)
	stateDir := t.TempDir()

	writeStateFile(t, stateDir, "acme", "INV-001", 1500, "unpaid")
	require.NoError(t, l.Add("INV-001", 1500.005, "Acme Corp", ""))

	res, err := l.Reconcile(stateDir, false)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestReconcileAutoFixRewritesUnpaidOnly(t *testing.T) {
	l := openTest(t)
	stateDir := t.TempDir()

	writeStateFile(t, stateDir, "acme", "INV-001", 1500, "unpaid")
	writeStateFile(t, stateDir, "globex", "INV-002", 500, "unpaid")
	writeStateFile(t, stateDir, "initech", "INV-003", 900, "paid") // not awaiting payment

	require.NoError(t, l.Add("INV-777", 42, "Stale Entry", ""))
	require.NoError(t, l.Add("INV-888", 300, "Settled Co", ""))
	require.NoError(t, l.MarkPaid("INV-888", 300, "transfer", "2026-08-01"))

	res, err := l.Reconcile(stateDir, true)
	require.NoError(t, err)
	assert.True(t, res.AutoFixed)
	assert.Equal(t, 2, res.StateCount)

	entries, err := l.Unpaid()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	numbers := []string{entries[0].Number, entries[1].Number}
	assert.ElementsMatch(t, []string{"INV-001", "INV-002"}, numbers)

	// Paid section survives the rewrite.
	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "- `INV-888` | $300.00")

	totals, err := l.Summary()
	require.NoError(t, err)
	assert.InDelta(t, 2000, totals.Unpaid, 0.001)
}

func TestReconcileIgnoresArchive(t *testing.T) {
	l := openTest(t)
	stateDir := t.TempDir()

	writeStateFile(t, stateDir, "acme", "INV-001", 1500, "unpaid")
	writeStateFile(t, filepath.Join(stateDir, "archive"), "acme", "INV-000", 9000, "unpaid")

	res, err := l.Reconcile(stateDir, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StateCount)
	assert.InDelta(t, 1500, res.StateTotal, 0.001)
}

func TestExportJSON(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.Add("INV-001", 1500, "Acme Corp", "2026-09-10"))
	require.NoError(t, l.MarkPaid("INV-001", 1500, "transfer", "2026-08-24"))

	out := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, l.ExportJSON(out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var parsed struct {
		Sections map[string][]struct {
			Number string  `json:"number"`
			Amount float64 `json:"amount"`
		} `json:"sections"`
		Totals Totals `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Len(t, parsed.Sections["Paid"], 1)
	assert.Equal(t, "INV-001", parsed.Sections["Paid"][0].Number)
	assert.InDelta(t, 1500, parsed.Totals.Grand, 0.001)
}

func TestLargeAmountGrouping(t *testing.T) {
	assert.Equal(t, "1,234,567.89", money(1234567.89))
	assert.Equal(t, "999.99", money(999.99))
	assert.Equal(t, "0.00", money(0))
}

func TestAtomicReplaceLeavesNoTemp(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.Add("INV-001", 1500, "Acme Corp", ""))
	entries, err := os.ReadDir(filepath.Dir(l.path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"))
	}
}
