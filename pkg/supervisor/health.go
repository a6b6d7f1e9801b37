package supervisor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/novotechno/collections/pkg/mailbox"
)

// StaleAfter is how long without a heartbeat an agent counts as silent.
const StaleAfter = 60 * time.Minute

// escalateAfterMisses is the consecutive-miss threshold for human
// escalation; one miss earns a restart attempt first.
const escalateAfterMisses = 2

// Agent status values.
const (
	StatusHealthy    = "healthy"
	StatusUnhealthy  = "unhealthy"
	StatusRestarting = "restarting"
	StatusEscalated  = "escalated"
	StatusUnknown    = "unknown"
)

// AgentHealth is one agent's current assessment.
type AgentHealth struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MissedBeats   int       `json:"missed_beats"`
	Restarts      int       `json:"restarts"`
}

// Healthy reports whether the agent needs no attention.
func (a AgentHealth) Healthy() bool {
	return a.Status == StatusHealthy
}

// HealthChecker assesses every agent from its heartbeat log. Restart
// attempts are delegated to a hook so the binary decides how agents
// actually come back.
type HealthChecker struct {
	dir            string
	agents         []string
	queue          *mailbox.Queue
	escalationPath string
	restart        func(agent string) error
	logger         *slog.Logger
	clock          func() time.Time

	restarts map[string]int
}

// NewHealthChecker builds a checker over the heartbeat directory.
// queue and escalationPath may be zero when escalation is handled
// elsewhere.
func NewHealthChecker(dir string, agents []string) *HealthChecker {
	return &HealthChecker{
		dir:      dir,
		agents:   agents,
		logger:   slog.Default(),
		clock:    time.Now,
		restarts: make(map[string]int),
	}
}

// WithQueue routes AGENT_ESCALATION messages through the mailbox.
func (c *HealthChecker) WithQueue(q *mailbox.Queue) *HealthChecker {
	c.queue = q
	return c
}

// WithEscalationFile appends escalation notices to the given path.
func (c *HealthChecker) WithEscalationFile(path string) *HealthChecker {
	c.escalationPath = path
	return c
}

// WithRestart installs the restart hook.
func (c *HealthChecker) WithRestart(fn func(agent string) error) *HealthChecker {
	c.restart = fn
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *HealthChecker) WithClock(clock func() time.Time) *HealthChecker {
	c.clock = clock
	return c
}

// WithLogger replaces the default logger.
func (c *HealthChecker) WithLogger(l *slog.Logger) *HealthChecker {
	c.logger = l
	return c
}

// CheckAll assesses every agent. A silent agent gets a stale marker
// appended to its log; one trailing miss triggers a restart attempt,
// two or more escalate.
func (c *HealthChecker) CheckAll() (map[string]AgentHealth, error) {
	results := make(map[string]AgentHealth, len(c.agents))
	for _, agent := range c.agents {
		h, err := c.checkAgent(agent)
		if err != nil {
			return results, err
		}
		results[agent] = h
	}
	return results, nil
}

func (c *HealthChecker) checkAgent(agent string) (AgentHealth, error) {
	entries, err := readBeats(c.dir, agent, 10)
	if err != nil {
		return AgentHealth{}, fmt.Errorf("read heartbeats for %s: %w", agent, err)
	}

	h := AgentHealth{Name: agent, Status: StatusUnknown, Restarts: c.restarts[agent]}
	now := c.clock()

	last, ok := lastLiveBeat(entries)
	if ok {
		h.LastHeartbeat = last
	}
	fresh := ok && now.Sub(last) <= StaleAfter
	if fresh {
		h.Status = StatusHealthy
		return h, nil
	}

	// Silent: record the miss so consecutive counts accumulate.
	if err := appendBeat(c.dir, agent, beatEntry{
		Timestamp: now.UTC(), Agent: agent, Stale: true, Note: "no heartbeat within window",
	}); err != nil {
		c.logger.Error("stale marker write failed", "agent", agent, "error", err)
	}
	h.MissedBeats = trailingStaleCount(entries) + 1

	switch {
	case h.MissedBeats >= escalateAfterMisses:
		h.Status = StatusEscalated
		c.escalate(agent, h.MissedBeats)
	default:
		h.Status = StatusRestarting
		c.tryRestart(agent)
		h.Restarts = c.restarts[agent]
	}
	return h, nil
}

func (c *HealthChecker) tryRestart(agent string) {
	c.logger.Info("attempting agent restart", "agent", agent)
	c.restarts[agent]++
	if c.restart == nil {
		return
	}
	if err := c.restart(agent); err != nil {
		c.logger.Error("agent restart failed", "agent", agent, "error", err)
	}
}

func (c *HealthChecker) escalate(agent string, missed int) {
	c.logger.Error("agent escalation: manual intervention required",
		"agent", agent, "missed_heartbeats", missed)

	notice := map[string]any{
		"type":              mailbox.TypeAgentEscalation,
		"agent":             agent,
		"missed_heartbeats": missed,
		"timestamp":         c.clock().UTC(),
		"action_required":   "manual intervention required",
	}

	if c.escalationPath != "" {
		if line, err := json.Marshal(notice); err == nil {
			f, err := os.OpenFile(c.escalationPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err == nil {
				_, _ = f.Write(append(line, '\n'))
				_ = f.Close()
			} else {
				c.logger.Error("escalation log write failed", "error", err)
			}
		}
	}

	if c.queue != nil {
		if _, err := c.queue.Send("operator", mailbox.Message{
			Type:    mailbox.TypeAgentEscalation,
			Payload: map[string]any{"agent": agent, "missed_heartbeats": missed},
		}); err != nil {
			c.logger.Error("escalation message failed", "agent", agent, "error", err)
		}
	}
}
