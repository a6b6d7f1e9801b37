// Package schedule decides which invoice deserves which reminder today
// and drives the send pipeline: pause checks, rate limiting, transport
// errors, and the terminal escalation rule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/novotechno/collections/pkg/ledger"
	"github.com/novotechno/collections/pkg/mail"
	"github.com/novotechno/collections/pkg/mailbox"
	"github.com/novotechno/collections/pkg/ratelimit"
	"github.com/novotechno/collections/pkg/state"
)

// Rule fires when an invoice sits at a fixed day offset from its due
// date. Offset counts days after due: negative offsets fire before.
type Rule struct {
	ID       string
	Offset   int
	Template string
	// Escalate marks the terminal rule: firing it archives the invoice.
	Escalate bool
}

// DefaultRules is the canonical reminder ladder.
var DefaultRules = []Rule{
	{ID: "reminder_1", Offset: -3, Template: "reminder_3d"},
	{ID: "reminder_2", Offset: 0, Template: "reminder_due"},
	{ID: "overdue_1", Offset: 5, Template: "overdue_5d"},
	{ID: "overdue_2", Offset: 7, Template: "overdue_7d"},
	{ID: "final_notice", Offset: 10, Template: "final_notice"},
	{ID: "escalation", Offset: 14, Template: "escalation", Escalate: true},
}

// DuePair is one (invoice, rule) match.
type DuePair struct {
	Invoice state.Invoice
	Rule    Rule
}

// Report summarises one send batch.
type Report struct {
	Considered  int
	Sent        int
	Failed      int
	Escalated   int
	RateLimited int
}

// Scheduler owns the rule table and cooperates with the limiter and
// transport. Single-threaded by design: one batch at a time.
type Scheduler struct {
	store     *state.Store
	book      *ledger.Ledger
	limiter   *ratelimit.Limiter
	backoff   *ratelimit.Backoff
	sender    mail.Sender
	queue     *mailbox.Queue
	rules     []Rule
	batchSize int
	logger    *slog.Logger
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(s *Scheduler) { s.rules = rules }
}

// WithBatchSize caps how many sends one batch attempts.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMailbox attaches the inter-agent queue the scheduler drains
// before each batch.
func WithMailbox(q *mailbox.Queue) Option {
	return func(s *Scheduler) { s.queue = q }
}

// MailboxRecipient is the scheduler's queue name.
const MailboxRecipient = "scheduler"

// New builds a scheduler. The ledger may be nil when no mirror is kept.
func New(store *state.Store, book *ledger.Ledger, limiter *ratelimit.Limiter, sender mail.Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		book:      book,
		limiter:   limiter,
		backoff:   ratelimit.NewBackoff(time.Second, 5*time.Minute),
		sender:    sender,
		rules:     DefaultRules,
		batchSize: 20,
		logger:    slog.Default(),
		clock:     time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Due returns every (invoice, rule) pair that should fire now: unpaid,
// client not paused, exact day-offset match, and the rule has not fired
// for this invoice before. Ordered most-overdue first.
func (s *Scheduler) Due(now time.Time) ([]DuePair, error) {
	unpaid, err := s.store.ListUnpaid()
	if err != nil {
		return nil, fmt.Errorf("list unpaid: %w", err)
	}

	pausedClients := make(map[string]bool)
	var due []DuePair
	for _, inv := range unpaid {
		if inv.Status != state.StatusUnpaid {
			continue
		}
		paused, seen := pausedClients[inv.Client]
		if !seen {
			paused, err = s.store.IsPaused(inv.Client)
			if err != nil {
				return nil, err
			}
			pausedClients[inv.Client] = paused
		}
		if paused {
			continue
		}
		days := inv.DaysUntilDue(now)
		for _, rule := range s.rules {
			if days != -rule.Offset {
				continue
			}
			if inv.HasReminder(rule.ID) {
				continue // at most once per invoice
			}
			due = append(due, DuePair{Invoice: inv, Rule: rule})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		di, dj := due[i].Invoice.DaysUntilDue(now), due[j].Invoice.DaysUntilDue(now)
		if di != dj {
			return di < dj
		}
		if due[i].Invoice.Client != due[j].Invoice.Client {
			return due[i].Invoice.Client < due[j].Invoice.Client
		}
		return due[i].Invoice.Number < due[j].Invoice.Number
	})
	return due, nil
}

// SendBatch drains the mailbox, computes due pairs, and works through
// them up to the batch size. It stops early when the limiter refuses or
// the transport throttles; auth failures abort the batch.
func (s *Scheduler) SendBatch(ctx context.Context) (Report, error) {
	if err := s.DrainMailbox(); err != nil {
		s.logger.Warn("mailbox drain failed", "error", err)
	}

	now := s.clock()
	due, err := s.Due(now)
	if err != nil {
		return Report{}, err
	}
	if len(due) > s.batchSize {
		due = due[:s.batchSize]
	}

	rep := Report{Considered: len(due)}
	for _, pair := range due {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		inv, rule := pair.Invoice, pair.Rule

		// Pause may have landed since Due was computed.
		paused, err := s.store.IsPaused(inv.Client)
		if err != nil {
			return rep, err
		}
		if paused {
			continue
		}

		if !s.limiter.TryAcquire() {
			s.logger.Info("rate limiter refused, stopping batch",
				"sent", rep.Sent, "remaining", rep.Considered-rep.Sent)
			rep.RateLimited++
			return rep, nil
		}

		msg := mail.BuildReminder(rule.Template, mail.ReminderInfo{
			Client: inv.Client, Number: inv.Number, Amount: inv.Amount, DueDate: inv.DueDate,
		})
		msg.To = inv.ContactEmail

		_, sendErr := s.sender.Send(ctx, msg)
		switch {
		case sendErr == nil:
			s.backoff.Reset()
			if _, err := s.store.RecordReminder(inv.Client, inv.Number, state.ReminderRecord{
				RuleID: rule.ID, Template: rule.Template, Outcome: "sent", SentAt: now.UTC(),
			}); err != nil {
				return rep, fmt.Errorf("record reminder: %w", err)
			}
			rep.Sent++
			if rule.Escalate {
				if err := s.escalate(inv, now); err != nil {
					return rep, err
				}
				rep.Escalated++
			}
		case errors.Is(sendErr, mail.ErrRateLimited):
			wait := s.backoff.Next()
			s.logger.Warn("transport throttled, backing off and stopping",
				"invoice", inv.Number, "wait", wait)
			rep.RateLimited++
			if err := s.sleep(ctx, wait); err != nil {
				return rep, err
			}
			return rep, nil
		case errors.Is(sendErr, mail.ErrAuth):
			return rep, fmt.Errorf("send reminder for %s: %w", inv.Number, sendErr)
		default:
			s.logger.Error("reminder send failed",
				"invoice", inv.Number, "rule", rule.ID, "error", sendErr)
			if _, err := s.store.RecordReminder(inv.Client, inv.Number, state.ReminderRecord{
				RuleID: rule.ID, Template: rule.Template, Outcome: "failed", SentAt: now.UTC(),
			}); err != nil {
				return rep, fmt.Errorf("record failed reminder: %w", err)
			}
			rep.Failed++
		}
	}
	return rep, nil
}

// escalate applies the terminal rule: archive the state record and move
// the ledger entry.
func (s *Scheduler) escalate(inv state.Invoice, now time.Time) error {
	reason := fmt.Sprintf("%d days overdue, reminder ladder exhausted", -inv.DaysUntilDue(now))
	if _, err := s.store.Escalate(inv.Client, inv.Number, reason); err != nil {
		return fmt.Errorf("escalate %s: %w", inv.Number, err)
	}
	if s.book != nil {
		if err := s.book.Escalate(inv.Number, inv.Amount, reason, now.UTC().Format("2006-01-02")); err != nil {
			if !errors.Is(err, ledger.ErrNotInUnpaid) {
				return fmt.Errorf("ledger escalate %s: %w", inv.Number, err)
			}
			s.logger.Warn("ledger had no unpaid entry to escalate", "invoice", inv.Number)
		}
	}
	return nil
}

// DrainMailbox consumes inter-agent messages addressed to the
// scheduler. Paid notifications need no action beyond logging (the
// state transition already happened); pause requests are applied.
func (s *Scheduler) DrainMailbox() error {
	if s.queue == nil {
		return nil
	}
	msgs, err := s.queue.Receive(MailboxRecipient)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		switch m.Type {
		case mailbox.TypeInvoicePaid:
			s.logger.Info("payment notification received",
				"invoice", m.Invoice, "client", m.Client)
		case mailbox.TypePauseClient:
			if _, err := s.store.PauseClient(m.Client); err != nil {
				return fmt.Errorf("pause client %s: %w", m.Client, err)
			}
		default:
			s.logger.Warn("unknown mailbox message", "type", m.Type)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
