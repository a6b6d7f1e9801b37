package supervisor

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novotechno/collections/pkg/eventlog"
	"github.com/novotechno/collections/pkg/ledger"
	"github.com/novotechno/collections/pkg/mailbox"
	"github.com/novotechno/collections/pkg/state"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestHeartbeatAppendsAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	hb := NewHeartbeat(dir, "emailer").WithClock(fixedClock(testNow))

	require.NoError(t, hb.Beat())
	require.NoError(t, hb.Beat())

	entries, err := readBeats(dir, "emailer", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "emailer", entries[0].Agent)
	assert.Equal(t, testNow, entries[0].Timestamp)
	assert.False(t, entries[0].Stale)

	last, ok := lastLiveBeat(entries)
	require.True(t, ok)
	assert.Equal(t, testNow, last)
}

func TestReadBeatsSkipsGarbageLines(t *testing.T) {
	dir := t.TempDir()
	hb := NewHeartbeat(dir, "watcher").WithClock(fixedClock(testNow))
	require.NoError(t, hb.Beat())

	path := filepath.Join(dir, "watcher.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, hb.Beat())

	entries, err := readBeats(dir, "watcher", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestHealthCheckerFreshBeatIsHealthy(t *testing.T) {
	dir := t.TempDir()
	hb := NewHeartbeat(dir, "emailer").WithClock(fixedClock(testNow.Add(-10 * time.Minute)))
	require.NoError(t, hb.Beat())

	checker := NewHealthChecker(dir, []string{"emailer"}).WithClock(fixedClock(testNow))
	results, err := checker.CheckAll()
	require.NoError(t, err)

	h := results["emailer"]
	assert.Equal(t, StatusHealthy, h.Status)
	assert.True(t, h.Healthy())
	assert.Equal(t, 0, h.MissedBeats)
}

func TestHealthCheckerFirstMissRestarts(t *testing.T) {
	dir := t.TempDir()
	hb := NewHeartbeat(dir, "emailer").WithClock(fixedClock(testNow.Add(-2 * time.Hour)))
	require.NoError(t, hb.Beat())

	var restarted []string
	checker := NewHealthChecker(dir, []string{"emailer"}).
		WithClock(fixedClock(testNow)).
		WithRestart(func(agent string) error {
			restarted = append(restarted, agent)
			return nil
		})

	results, err := checker.CheckAll()
	require.NoError(t, err)

	h := results["emailer"]
	assert.Equal(t, StatusRestarting, h.Status)
	assert.Equal(t, 1, h.MissedBeats)
	assert.Equal(t, 1, h.Restarts)
	assert.Equal(t, []string{"emailer"}, restarted)

	// The miss is persisted as a stale marker in the agent's log.
	entries, err := readBeats(dir, "emailer", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Stale)
}

func TestHealthCheckerSecondMissEscalates(t *testing.T) {
	dir := t.TempDir()
	hb := NewHeartbeat(dir, "emailer").WithClock(fixedClock(testNow.Add(-3 * time.Hour)))
	require.NoError(t, hb.Beat())

	queueDir := t.TempDir()
	queue, err := mailbox.NewQueue(queueDir)
	require.NoError(t, err)
	escalations := filepath.Join(t.TempDir(), "escalations.jsonl")

	checker := NewHealthChecker(dir, []string{"emailer"}).
		WithClock(fixedClock(testNow)).
		WithQueue(queue).
		WithEscalationFile(escalations)

	// First sweep records the miss and tries a restart.
	results, err := checker.CheckAll()
	require.NoError(t, err)
	assert.Equal(t, StatusRestarting, results["emailer"].Status)

	// Second sweep sees the trailing stale marker and escalates.
	results, err = checker.CheckAll()
	require.NoError(t, err)
	h := results["emailer"]
	assert.Equal(t, StatusEscalated, h.Status)
	assert.Equal(t, 2, h.MissedBeats)

	data, err := os.ReadFile(escalations)
	require.NoError(t, err)
	var notice map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.Split(strings.TrimSpace(string(data)), "\n")[0]), &notice))
	assert.Equal(t, mailbox.TypeAgentEscalation, notice["type"])
	assert.Equal(t, "emailer", notice["agent"])

	msgs, err := queue.Receive("operator")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, mailbox.TypeAgentEscalation, msgs[0].Type)
}

func TestHealthCheckerNoLogIsMissed(t *testing.T) {
	dir := t.TempDir()
	checker := NewHealthChecker(dir, []string{"ghost"}).WithClock(fixedClock(testNow))

	results, err := checker.CheckAll()
	require.NoError(t, err)
	assert.Equal(t, StatusRestarting, results["ghost"].Status)
	assert.True(t, results["ghost"].LastHeartbeat.IsZero())
}

func reconcilerFixture(t *testing.T) (*state.Store, *ledger.Ledger, string) {
	t.Helper()
	root := t.TempDir()
	events := eventlog.New(filepath.Join(root, "events.jsonl"))
	store, err := state.NewStore(filepath.Join(root, "state"), events)
	require.NoError(t, err)
	store.WithClock(fixedClock(testNow))

	book, err := ledger.Open(filepath.Join(root, "ledger.md"))
	require.NoError(t, err)

	queueDir := filepath.Join(root, "queues")
	require.NoError(t, os.MkdirAll(queueDir, 0o700))
	return store, book, queueDir
}

func addInvoice(t *testing.T, store *state.Store, book *ledger.Ledger, client, number string, amount float64) {
	t.Helper()
	require.NoError(t, store.Create(state.Invoice{
		Client:  client,
		Number:  number,
		Amount:  amount,
		DueDate: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		Status:  state.StatusUnpaid,
	}))
	require.NoError(t, book.Add(number, amount, client, "2026-09-01"))
}

func TestReconcileAllConsistent(t *testing.T) {
	store, book, queueDir := reconcilerFixture(t)
	addInvoice(t, store, book, "acme", "INV-2026-001", 1500)
	addInvoice(t, store, book, "globex", "INV-2026-002", 800)

	rec := NewReconciler(store, book, queueDir).WithClock(fixedClock(testNow))
	rep, err := rec.ReconcileAll()
	require.NoError(t, err)

	assert.True(t, rep.Consistent())
	assert.Equal(t, 2, rep.Invoices.UnpaidCount)
	assert.InDelta(t, 2300, rep.Invoices.UnpaidTotal, 0.001)
	assert.True(t, rep.Ledger.Passed)
	assert.True(t, rep.Queues.Healthy)
	assert.Equal(t, testNow, rep.Timestamp)
}

func TestReconcileAllFlagsTamperedState(t *testing.T) {
	store, book, queueDir := reconcilerFixture(t)
	addInvoice(t, store, book, "acme", "INV-2026-001", 1500)

	path := filepath.Join(store.Root(), "acme", "INV-2026-001.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "1500", "9999", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	rec := NewReconciler(store, book, queueDir).WithClock(fixedClock(testNow))
	rep, err := rec.ReconcileAll()
	require.NoError(t, err)

	assert.False(t, rep.Consistent())
	assert.Equal(t, 1, rep.Invoices.ErrorCount)
	require.NotEmpty(t, rep.Invoices.Errors)
	assert.Contains(t, rep.Invoices.Errors[0], "INV-2026-001")
}

func TestReconcileAllFlagsLedgerDiscrepancy(t *testing.T) {
	store, book, queueDir := reconcilerFixture(t)
	addInvoice(t, store, book, "acme", "INV-2026-001", 1500)
	// Ledger entry without a state record behind it.
	require.NoError(t, book.Add("INV-2026-999", 500, "phantom", "2026-09-01"))

	rec := NewReconciler(store, book, queueDir).WithClock(fixedClock(testNow))
	rep, err := rec.ReconcileAll()
	require.NoError(t, err)

	assert.False(t, rep.Consistent())
	assert.False(t, rep.Ledger.Passed)
	assert.InDelta(t, 500, rep.Ledger.Discrepancy, 0.001)
}

func TestReconcileAllFlagsDeepQueue(t *testing.T) {
	store, book, queueDir := reconcilerFixture(t)

	f, err := os.Create(filepath.Join(queueDir, "scheduler.jsonl"))
	require.NoError(t, err)
	w := bufio.NewWriter(f)
	for i := 0; i < 120; i++ {
		_, err = w.WriteString(`{"type":"INVOICE_PAID"}` + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	rec := NewReconciler(store, book, queueDir).WithClock(fixedClock(testNow))
	rep, err := rec.ReconcileAll()
	require.NoError(t, err)

	assert.False(t, rep.Queues.Healthy)
	assert.Equal(t, 120, rep.Queues.Depths["scheduler"])
	assert.False(t, rep.Consistent())
}

func TestDashboardRendersAgentsAndTotals(t *testing.T) {
	agents := map[string]AgentHealth{
		"emailer": {Name: "emailer", Status: StatusHealthy, LastHeartbeat: testNow},
		"watcher": {Name: "watcher", Status: StatusEscalated, MissedBeats: 3},
	}
	report := ReconcileReport{
		Invoices: InvoiceTotals{UnpaidTotal: 2300, UnpaidCount: 2},
		Ledger:   ledger.ReconcileResult{Passed: true},
		Queues:   QueueHealth{Healthy: true, Depths: map[string]int{"scheduler": 3}},
	}

	html, err := RenderDashboard(agents, report, testNow)
	require.NoError(t, err)
	out := string(html)
	assert.Contains(t, out, "emailer")
	assert.Contains(t, out, `class="escalated"`)
	assert.Contains(t, out, "$2300.00")
	assert.Contains(t, out, "passed")
	assert.Contains(t, out, "scheduler")

	path := filepath.Join(t.TempDir(), "dashboard.html")
	require.NoError(t, WriteDashboard(path, agents, report, testNow))
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, html, written)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
