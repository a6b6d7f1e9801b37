package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the on-disk layout shared by every agent. Everything lives
// under two per-user roots: durable data (state, events, ledger) and
// cache (queues, heartbeats, dedupe indexes, dashboard).
type Paths struct {
	DataRoot  string
	CacheRoot string
}

// DefaultPaths resolves the standard per-user roots, honouring
// COLLECTIONS_DATA_DIR and COLLECTIONS_CACHE_DIR overrides.
func DefaultPaths() (Paths, error) {
	p := Paths{
		DataRoot:  os.Getenv("COLLECTIONS_DATA_DIR"),
		CacheRoot: os.Getenv("COLLECTIONS_CACHE_DIR"),
	}
	if p.DataRoot == "" || p.CacheRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("resolve home dir: %w", err)
		}
		if p.DataRoot == "" {
			p.DataRoot = filepath.Join(home, ".local", "share", "novotechno-collections")
		}
		if p.CacheRoot == "" {
			p.CacheRoot = filepath.Join(home, ".cache", "novotechno-collections")
		}
	}
	return p, nil
}

// Ensure creates both roots and the directories agents append into.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.StateDir(), p.QueueDir(), p.HeartbeatDir(), p.SecretsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (p Paths) StateDir() string { return filepath.Join(p.DataRoot, "state") }

func (p Paths) EventLog() string { return filepath.Join(p.DataRoot, "events.log") }

func (p Paths) Ledger() string { return filepath.Join(p.DataRoot, "collections.ledger") }

func (p Paths) SecretsDir() string { return filepath.Join(p.DataRoot, "secrets") }

func (p Paths) QueueDir() string { return filepath.Join(p.CacheRoot, "queues") }

func (p Paths) HeartbeatDir() string { return filepath.Join(p.CacheRoot, "heartbeats") }

func (p Paths) KnownFiles() string { return filepath.Join(p.CacheRoot, "known_files.json") }

func (p Paths) Escalations() string { return filepath.Join(p.CacheRoot, "escalations.jsonl") }

func (p Paths) Dashboard() string { return filepath.Join(p.CacheRoot, "dashboard.html") }
