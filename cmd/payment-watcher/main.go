// payment-watcher watches payment-evidence drops, matches them to open
// invoices, settles the state records, and notifies the scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/novotechno/collections/pkg/config"
	"github.com/novotechno/collections/pkg/eventlog"
	"github.com/novotechno/collections/pkg/ledger"
	"github.com/novotechno/collections/pkg/mailbox"
	"github.com/novotechno/collections/pkg/payments"
	"github.com/novotechno/collections/pkg/state"
	"github.com/novotechno/collections/pkg/supervisor"
)

const agentName = "payment-watcher"

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func fail(stderr io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintln(stderr, color.RedString("❌ "+fmt.Sprintf(format, args...)))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("payment-watcher", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		watchPaths multiFlag
		once       bool
		verbose    bool
	)
	fs.Var(&watchPaths, "watch-path", "Directory to watch for payment evidence (repeatable)")
	fs.BoolVar(&once, "once", false, "Scan once and exit instead of watching")
	fs.BoolVar(&verbose, "verbose", false, "Debug logging")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if len(watchPaths) == 0 {
		cfg, err := config.Load("")
		if err == nil {
			watchPaths = cfg.PaymentDirs
		}
	}
	if len(watchPaths) == 0 {
		fail(stderr, "at least one --watch-path is required")
		return 1
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	paths, err := config.DefaultPaths()
	if err != nil {
		fail(stderr, "resolve paths: %v", err)
		return 1
	}
	if err := paths.Ensure(); err != nil {
		fail(stderr, "prepare directories: %v", err)
		return 1
	}

	events := eventlog.New(paths.EventLog())
	store, err := state.NewStore(paths.StateDir(), events)
	if err != nil {
		fail(stderr, "open state store: %v", err)
		return 1
	}
	book, err := ledger.Open(paths.Ledger())
	if err != nil {
		fail(stderr, "open ledger: %v", err)
		return 1
	}
	queue, err := mailbox.NewQueue(paths.QueueDir())
	if err != nil {
		fail(stderr, "open message queue: %v", err)
		return 1
	}

	detector := payments.NewDetector(store, book, queue)
	heartbeat := supervisor.NewHeartbeat(paths.HeartbeatDir(), agentName)
	if err := heartbeat.Beat(); err != nil {
		slog.Warn("heartbeat write failed", "error", err)
	}

	ctx, cancel, interrupted := signalContext()
	defer cancel()
	exitCode := func() int {
		if interrupted.Load() {
			return 130
		}
		return 0
	}

	if once {
		results, err := detector.ScanOnce(ctx, watchPaths)
		if ctx.Err() != nil {
			return exitCode()
		}
		if err != nil {
			fail(stderr, "scan: %v", err)
			return 1
		}
		matched := 0
		for _, r := range results {
			if r.Matched {
				matched++
				_, _ = fmt.Fprintf(stdout, "settled %s %s (%.2f confidence)\n",
					r.Client, r.Number, r.Confidence)
			}
		}
		if matched == 0 {
			_, _ = fmt.Fprintln(stdout, "no payments detected")
			return 2
		}
		return 0
	}

	// Beat periodically so the supervisor sees a live watcher even when
	// no evidence arrives.
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := heartbeat.Beat(); err != nil {
					slog.Warn("heartbeat write failed", "error", err)
				}
			}
		}
	}()

	results := make(chan payments.Result, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- detector.Watch(ctx, watchPaths, results) }()

	for {
		select {
		case r := <-results:
			if r.Matched {
				slog.Info("payment settled", "client", r.Client, "invoice", r.Number,
					"confidence", fmt.Sprintf("%.2f", r.Confidence))
			}
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				fail(stderr, "watch: %v", err)
				return 1
			}
			return exitCode()
		case <-ctx.Done():
			return exitCode()
		}
	}
}

// signalContext cancels on SIGINT/SIGTERM so every mode shuts down
// cleanly; interrupted distinguishes the exit-130 case.
func signalContext() (context.Context, context.CancelFunc, *atomic.Bool) {
	ctx, cancel := context.WithCancel(context.Background())
	interrupted := &atomic.Bool{}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		if sig == syscall.SIGINT {
			interrupted.Store(true)
		}
		cancel()
	}()
	return ctx, cancel, interrupted
}
