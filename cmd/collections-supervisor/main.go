// collections-supervisor watches the other agents: heartbeat health,
// state/ledger consistency, queue depth. It restarts silent agents once
// and escalates to the operator after repeated misses.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/novotechno/collections/pkg/config"
	"github.com/novotechno/collections/pkg/eventlog"
	"github.com/novotechno/collections/pkg/ledger"
	"github.com/novotechno/collections/pkg/mailbox"
	"github.com/novotechno/collections/pkg/state"
	"github.com/novotechno/collections/pkg/supervisor"
)

const agentName = "supervisor"

var defaultAgents = []string{"emailer", "payment-watcher"}

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

func fail(stderr io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintln(stderr, color.RedString("❌ "+fmt.Sprintf(format, args...)))
}

// sweepResult is the JSON shape written with --output.
type sweepResult struct {
	Agents map[string]supervisor.AgentHealth `json:"agents"`
	Report supervisor.ReconcileReport        `json:"report"`
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("collections-supervisor", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		healthCheck bool
		dashboard   bool
		output      string
		agentsCSV   string
		daemon      bool
		interval    int
	)
	fs.BoolVar(&healthCheck, "health-check", false, "Run one health sweep and exit")
	fs.BoolVar(&dashboard, "dashboard", false, "Render the HTML dashboard")
	fs.StringVar(&output, "output", "", "Write results (JSON, or HTML with --dashboard) to this file")
	fs.StringVar(&agentsCSV, "agents", "", "Comma-separated agent names to supervise")
	fs.BoolVar(&daemon, "daemon", false, "Sweep continuously")
	fs.IntVar(&interval, "interval", 300, "Daemon sweep interval in seconds")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	agents := defaultAgents
	if agentsCSV != "" {
		agents = nil
		for _, a := range strings.Split(agentsCSV, ",") {
			if a = strings.TrimSpace(a); a != "" {
				agents = append(agents, a)
			}
		}
	}

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

	checker := supervisor.NewHealthChecker(paths.HeartbeatDir(), agents).
		WithQueue(queue).
		WithEscalationFile(paths.Escalations())
	reconciler := supervisor.NewReconciler(store, book, paths.QueueDir())
	heartbeat := supervisor.NewHeartbeat(paths.HeartbeatDir(), agentName)

	sweep := func() (sweepResult, bool, error) {
		if err := heartbeat.Beat(); err != nil {
			slog.Warn("heartbeat write failed", "error", err)
		}
		health, err := checker.CheckAll()
		if err != nil {
			return sweepResult{}, false, fmt.Errorf("health check: %w", err)
		}
		report, err := reconciler.ReconcileAll()
		if err != nil {
			return sweepResult{}, false, fmt.Errorf("reconcile: %w", err)
		}
		ok := report.Consistent()
		for _, h := range health {
			if !h.Healthy() {
				ok = false
			}
		}
		return sweepResult{Agents: health, Report: report}, ok, nil
	}

	writeOutputs := func(res sweepResult) error {
		if dashboard {
			target := output
			if target == "" {
				target = paths.Dashboard()
			}
			if err := supervisor.WriteDashboard(target, res.Agents, res.Report, time.Now()); err != nil {
				return err
			}
		} else if output != "" {
			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		}
		return nil
	}

	if !daemon {
		res, ok, err := sweep()
		if err != nil {
			fail(stderr, "%v", err)
			return 1
		}
		if err := writeOutputs(res); err != nil {
			fail(stderr, "%v", err)
			return 1
		}
		printSummary(stdout, res, ok)
		if healthCheck && !ok {
			return 1
		}
		return 0
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		res, _, err := sweep()
		if err != nil {
			slog.Error("sweep failed", "error", err)
		} else if err := writeOutputs(res); err != nil {
			slog.Error("output write failed", "error", err)
		}
		select {
		case sig := <-sigs:
			if sig == syscall.SIGINT {
				return 130
			}
			return 0
		case <-ticker.C:
		}
	}
}

func printSummary(stdout io.Writer, res sweepResult, ok bool) {
	names := make([]string, 0, len(res.Agents))
	for name := range res.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := res.Agents[name]
		label := color.GreenString(h.Status)
		if !h.Healthy() {
			label = color.RedString(h.Status)
		}
		_, _ = fmt.Fprintf(stdout, "%-18s %s\n", name, label)
	}
	_, _ = fmt.Fprintf(stdout, "unpaid: %d invoices, $%.2f\n",
		res.Report.Invoices.UnpaidCount, res.Report.Invoices.UnpaidTotal)
	if ok {
		_, _ = fmt.Fprintln(stdout, color.GreenString("all checks passed"))
	} else {
		_, _ = fmt.Fprintln(stdout, color.RedString("attention required"))
	}
}
