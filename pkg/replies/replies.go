// Package replies scans the inbox for client responses to collection
// emails and turns them into state transitions: pause, mark paid, or
// route to manual review.
package replies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/novotechno/collections/pkg/state"
)

// Action kinds a reply can trigger.
const (
	ActionPause        = "pause"
	ActionMarkPaid     = "mark_paid"
	ActionManualReview = "manual_review"
)

// InboxMessage is one fetched email, already flattened by the reader.
type InboxMessage struct {
	From    string
	Subject string
	Body    string
}

// InboxReader abstracts the mailbox-fetching transport.
type InboxReader interface {
	MessagesSince(ctx context.Context, since time.Time, senders []string) ([]InboxMessage, error)
}

// Action is a classified reply awaiting execution.
type Action struct {
	Kind    string
	Client  string
	Invoice string
	Reason  string
}

// classifierRule is one ordered (pattern, kind) mapping. Order matters:
// a reply saying "already paid, please stop" should pause, not settle.
type classifierRule struct {
	re   *regexp.Regexp
	kind string
}

var classifierRules = []classifierRule{
	{regexp.MustCompile(`stop|detener|unsubscribe`), ActionPause},
	{regexp.MustCompile(`pagado|pago|paid`), ActionMarkPaid},
	{regexp.MustCompile(`duda|dudas|pregunta|question|clarify`), ActionManualReview},
}

// invoiceRefs extract invoice numbers from reply text, Spanish marker
// first since most replies quote the Spanish template.
var invoiceRefs = []*regexp.Regexp{
	regexp.MustCompile(`(?i)factura\s*#?\s*:?\s*([A-Z0-9-]+)`),
	regexp.MustCompile(`(?i)invoice\s*#?\s*:?\s*([A-Z0-9-]+)`),
}

// Monitor drives the scan-classify-execute loop. lastCheck advances on
// every scan regardless of outcome; idempotence comes from the target
// state already holding.
type Monitor struct {
	reader  InboxReader
	store   *state.Store
	senders []string
	logger  *slog.Logger
	clock   func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

// NewMonitor builds a monitor for the configured collection senders.
func NewMonitor(reader InboxReader, store *state.Store, senders []string) *Monitor {
	return &Monitor{
		reader:  reader,
		store:   store,
		senders: senders,
		logger:  slog.Default(),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// WithLogger replaces the default logger.
func (m *Monitor) WithLogger(l *slog.Logger) *Monitor {
	m.logger = l
	return m
}

// LastCheck returns the high-water mark of the previous scan.
func (m *Monitor) LastCheck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheck
}

// Classify maps one message to an action, or nil when no pattern
// matches. Matching is case-insensitive over subject plus body.
func Classify(msg InboxMessage) *Action {
	content := strings.ToLower(msg.Subject + " " + msg.Body)

	invoice := "unknown"
	for _, re := range invoiceRefs {
		if m := re.FindStringSubmatch(content); m != nil {
			invoice = strings.ToUpper(m[1])
			break
		}
	}

	for _, rule := range classifierRules {
		if rule.re.MatchString(content) {
			return &Action{
				Kind:    rule.kind,
				Client:  msg.From,
				Invoice: invoice,
				Reason:  "matched pattern: " + rule.re.String(),
			}
		}
	}
	return nil
}

// Check fetches messages since the last scan and classifies them. The
// watermark advances to now even when the fetch returns nothing.
func (m *Monitor) Check(ctx context.Context) ([]Action, error) {
	m.mu.Lock()
	since := m.lastCheck
	m.mu.Unlock()

	msgs, err := m.reader.MessagesSince(ctx, since, m.senders)
	if err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}

	var actions []Action
	for _, msg := range msgs {
		if a := Classify(msg); a != nil {
			actions = append(actions, *a)
		}
	}

	m.mu.Lock()
	m.lastCheck = m.clock()
	m.mu.Unlock()
	return actions, nil
}

// Execute dispatches classified actions to the state store. Individual
// failures are logged and counted, not fatal to the rest of the batch.
func (m *Monitor) Execute(actions []Action) (applied int) {
	for _, a := range actions {
		if err := m.executeOne(a); err != nil {
			m.logger.Error("reply action failed",
				"kind", a.Kind, "invoice", a.Invoice, "client", a.Client, "error", err)
			continue
		}
		applied++
	}
	return applied
}

func (m *Monitor) executeOne(a Action) error {
	switch a.Kind {
	case ActionPause:
		client, err := m.resolveClient(a)
		if err != nil {
			return err
		}
		changed, err := m.store.PauseClient(client)
		if err != nil {
			return err
		}
		m.logger.Info("client paused by reply",
			"client", client, "invoices", len(changed), "reason", a.Reason)
		return nil

	case ActionMarkPaid:
		client, err := m.resolveClient(a)
		if err != nil {
			return err
		}
		inv, err := m.store.Read(client, a.Invoice)
		if errors.Is(err, state.ErrNotFound) {
			m.logger.Warn("paid reply referenced unknown invoice",
				"invoice", a.Invoice, "client", a.Client)
			return nil
		}
		if err != nil {
			return err
		}
		_, err = m.store.MarkPaid(client, a.Invoice, state.Payment{
			Method: "reply_claimed", Amount: inv.Amount, SourceFile: "inbox",
		})
		return err

	case ActionManualReview:
		client, err := m.resolveClient(a)
		if err != nil {
			return err
		}
		inv, err := m.store.Read(client, a.Invoice)
		if errors.Is(err, state.ErrNotFound) {
			inv = state.Invoice{Client: client, Number: a.Invoice, ScannedAt: m.clock().UTC()}
		} else if err != nil {
			return err
		}
		return m.store.QueueForReview(inv)

	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// resolveClient maps a sender address to the state client key by
// matching contact emails across active invoices. When the reply names
// an invoice the owning client wins.
func (m *Monitor) resolveClient(a Action) (string, error) {
	active, err := m.store.ListActive()
	if err != nil {
		return "", err
	}
	if a.Invoice != "" && a.Invoice != "unknown" {
		for _, inv := range active {
			if strings.EqualFold(inv.Number, a.Invoice) {
				return inv.Client, nil
			}
		}
	}
	for _, inv := range active {
		if strings.EqualFold(inv.ContactEmail, a.Client) {
			return inv.Client, nil
		}
	}
	return a.Client, nil
}
