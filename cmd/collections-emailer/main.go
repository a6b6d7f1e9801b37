// collections-emailer is the outbound agent: it ingests dropped invoice
// documents, scans the inbox for client replies, and sends the reminders
// that are due, rate limited and deduplicated.
package main

import (
	"context"
	"errors"
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
	"github.com/novotechno/collections/pkg/ingest"
	"github.com/novotechno/collections/pkg/ledger"
	"github.com/novotechno/collections/pkg/mail"
	"github.com/novotechno/collections/pkg/mailbox"
	"github.com/novotechno/collections/pkg/ratelimit"
	"github.com/novotechno/collections/pkg/replies"
	"github.com/novotechno/collections/pkg/schedule"
	"github.com/novotechno/collections/pkg/secrets"
	"github.com/novotechno/collections/pkg/state"
	"github.com/novotechno/collections/pkg/supervisor"
	"github.com/novotechno/collections/pkg/tokens"
)

const (
	agentName     = "emailer"
	cycleInterval = 30 * time.Minute
	appName       = "novotechno-collections"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// multiFlag collects a repeatable string flag.
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
	fs := flag.NewFlagSet("collections-emailer", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		dryRun     bool
		once       bool
		watchDirs  multiFlag
		configPath string
	)
	fs.BoolVar(&dryRun, "dry-run", false, "Log sends instead of delivering")
	fs.BoolVar(&once, "once", false, "Run a single cycle and exit")
	fs.Var(&watchDirs, "watch-dir", "Directory of client invoice drops (repeatable)")
	fs.StringVar(&configPath, "config", "", "YAML configuration file")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fail(stderr, "config: %v", err)
		return 1
	}
	if len(watchDirs) > 0 {
		cfg.WatchDirs = watchDirs
	}

	setupLogging(cfg.LogLevel, stderr)

	paths, err := config.DefaultPaths()
	if err != nil {
		fail(stderr, "resolve paths: %v", err)
		return 1
	}
	if err := paths.Ensure(); err != nil {
		fail(stderr, "prepare directories: %v", err)
		return 1
	}

	agent, err := buildAgent(cfg, paths, dryRun)
	if err != nil {
		fail(stderr, "%v", err)
		return 1
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
		work, err := agent.cycle(ctx)
		if ctx.Err() != nil {
			return exitCode()
		}
		if err != nil {
			fail(stderr, "cycle: %v", err)
			return 1
		}
		if !work {
			_, _ = fmt.Fprintln(stdout, "nothing to do")
			return 2
		}
		return 0
	}

	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()
	for {
		if _, err := agent.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return exitCode()
			}
			if errors.Is(err, mail.ErrAuth) {
				fail(stderr, "cycle: %v", err)
				return 1
			}
			slog.Error("cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return exitCode()
		case <-ticker.C:
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

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// emailerAgent holds the wired collaborators for one process.
type emailerAgent struct {
	scanner   *ingest.Scanner
	monitor   *replies.Monitor
	scheduler *schedule.Scheduler
	heartbeat *supervisor.Heartbeat
}

func buildAgent(cfg *config.Config, paths config.Paths, dryRun bool) (*emailerAgent, error) {
	events := eventlog.New(paths.EventLog())
	store, err := state.NewStore(paths.StateDir(), events)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	book, err := ledger.Open(paths.Ledger())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	queue, err := mailbox.NewQueue(paths.QueueDir())
	if err != nil {
		return nil, fmt.Errorf("open message queue: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.LimitConfig{
		MaxPerCycle:  cfg.MaxPerCycle,
		CycleSeconds: cfg.CycleSeconds,
		MaxPerDay:    cfg.MaxPerDay,
	})

	var sender mail.Sender
	var validator *tokens.Validator
	if dryRun {
		sender = mail.NewDryRunSender(slog.Default())
	} else {
		validator, err = buildValidator(cfg, paths)
		if err != nil {
			return nil, err
		}
		sender = mail.NewGraphSender(validator, cfg.AccountID)
	}

	scheduler := schedule.New(store, book, limiter, sender,
		schedule.WithBatchSize(cfg.BatchSize),
		schedule.WithMailbox(queue),
	)

	agent := &emailerAgent{
		scheduler: scheduler,
		heartbeat: supervisor.NewHeartbeat(paths.HeartbeatDir(), agentName),
	}

	if len(cfg.WatchDirs) > 0 {
		agent.scanner, err = ingest.NewScanner(cfg.WatchDirs, ingest.PlainText(), store, book, paths.KnownFiles())
		if err != nil {
			return nil, fmt.Errorf("build scanner: %w", err)
		}
	}
	if validator != nil {
		agent.monitor = replies.NewMonitor(
			replies.NewGraphInbox(validator, cfg.AccountID), store, cfg.ReplySenders)
	}
	return agent, nil
}

func buildValidator(cfg *config.Config, paths config.Paths) (*tokens.Validator, error) {
	secretStore, err := secrets.NewFileStore(paths.SecretsDir())
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	cache := tokens.NewCache(secretStore, secrets.NewCrypter(appName), appName)

	endpoint := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	refresher := tokens.NewOAuthClient(endpoint, cfg.ClientID, cfg.TenantID, cfg.Scopes)
	return tokens.NewValidator(cache, refresher, cfg.Provider), nil
}

// cycle runs one full pass: ingest, replies, reminders. It reports
// whether any work happened.
func (a *emailerAgent) cycle(ctx context.Context) (bool, error) {
	if err := a.heartbeat.Beat(); err != nil {
		slog.Warn("heartbeat write failed", "error", err)
	}

	work := false

	if a.scanner != nil {
		results, err := a.scanner.ScanAll(ctx)
		if err != nil {
			return work, fmt.Errorf("scan documents: %w", err)
		}
		for _, r := range results {
			if r.Route != ingest.RouteSkipped {
				work = true
			}
		}
	}

	if a.monitor != nil {
		actions, err := a.monitor.Check(ctx)
		if err != nil {
			slog.Error("inbox check failed", "error", err)
		} else if len(actions) > 0 {
			a.monitor.Execute(actions)
			work = true
		}
	}

	report, err := a.scheduler.SendBatch(ctx)
	if err != nil {
		return work, fmt.Errorf("send reminders: %w", err)
	}
	if report.Considered > 0 {
		work = true
	}
	slog.Info("cycle complete",
		"considered", report.Considered, "sent", report.Sent,
		"failed", report.Failed, "escalated", report.Escalated,
		"rate_limited", report.RateLimited)
	return work, nil
}
