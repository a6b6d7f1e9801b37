package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "events.log"))

	_, err := log.Append("acme", "INV-001", TypeCreated, map[string]any{"amount": 1500.0})
	require.NoError(t, err)
	_, err = log.Append("acme", "INV-001", TypeReminderSent, map[string]any{"rule": "reminder_1"})
	require.NoError(t, err)

	events, err := log.Replay(time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeCreated, events[0].Type)
	assert.Equal(t, TypeReminderSent, events[1].Type)
	assert.Equal(t, "acme", events[0].Client)
	assert.NotEmpty(t, events[0].EventID)
	assert.NotEqual(t, events[0].EventID, events[1].EventID)
}

func TestReplaySkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	log := New(path)

	_, err := log.Append("acme", "INV-001", TypeCreated, nil)
	require.NoError(t, err)

	// Inject garbage between valid records.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = log.Append("acme", "INV-001", TypePaid, nil)
	require.NoError(t, err)

	events, err := log.Replay(time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2, "corrupt line skipped, replay continues")
	assert.Equal(t, TypeCreated, events[0].Type)
	assert.Equal(t, TypePaid, events[1].Type)
}

func TestReplaySince(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	log := New(filepath.Join(t.TempDir(), "events.log"))
	log.WithClock(func() time.Time { return now })

	_, err := log.Append("acme", "INV-001", TypeCreated, nil)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = log.Append("acme", "INV-001", TypePaid, nil)
	require.NoError(t, err)

	events, err := log.Replay(now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TypePaid, events[0].Type)
}

func TestForInvoice(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "events.log"))

	_, err := log.Append("acme", "INV-001", TypeCreated, nil)
	require.NoError(t, err)
	_, err = log.Append("globex", "INV-777", TypeCreated, nil)
	require.NoError(t, err)
	_, err = log.Append("acme", "INV-001", TypePaid, nil)
	require.NoError(t, err)

	events, err := log.ForInvoice("acme", "INV-001")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeCreated, events[0].Type)
	assert.Equal(t, TypePaid, events[1].Type)
}

func TestCount(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "events.log"))

	n, err := log.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		_, err := log.Append("acme", "INV-001", TypeStateUpdate, nil)
		require.NoError(t, err)
	}
	n, err = log.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReplayMissingFile(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "absent.log"))
	events, err := log.Replay(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
