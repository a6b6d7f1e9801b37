package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckFailsWhenAgentsSilent(t *testing.T) {
	t.Setenv("COLLECTIONS_DATA_DIR", t.TempDir())
	t.Setenv("COLLECTIONS_CACHE_DIR", t.TempDir())

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--health-check"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "attention required")
}

func TestSweepWithoutHealthCheckReportsButSucceeds(t *testing.T) {
	t.Setenv("COLLECTIONS_DATA_DIR", t.TempDir())
	t.Setenv("COLLECTIONS_CACHE_DIR", t.TempDir())

	out := filepath.Join(t.TempDir(), "sweep.json")
	var stdout, stderr bytes.Buffer
	code := Run([]string{"--output", out, "--agents", "emailer"}, &stdout, &stderr)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "emailer")
}

func TestDashboardWritesHTML(t *testing.T) {
	cache := t.TempDir()
	t.Setenv("COLLECTIONS_DATA_DIR", t.TempDir())
	t.Setenv("COLLECTIONS_CACHE_DIR", cache)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--dashboard", "--agents", "emailer"}, &stdout, &stderr)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(filepath.Join(cache, "dashboard.html"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Collections Dashboard")
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"--bogus"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
}
