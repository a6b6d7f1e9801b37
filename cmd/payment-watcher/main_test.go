package main

import (
	"bytes"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequiresWatchPath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run(nil, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "watch-path")
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"--bogus"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
}

func TestSignalContextCancelsOnInterrupt(t *testing.T) {
	ctx, cancel, interrupted := signalContext()
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after SIGINT")
	}
	assert.True(t, interrupted.Load())
}

func TestMultiFlagCollects(t *testing.T) {
	var m multiFlag
	assert.NoError(t, m.Set("/a"))
	assert.NoError(t, m.Set("/b"))
	assert.Equal(t, multiFlag{"/a", "/b"}, m)
	assert.Equal(t, "/a,/b", m.String())
}
