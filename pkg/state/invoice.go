// Package state is the durable per-invoice state layer: atomic writes,
// checksummed records, backup recovery, archive-on-terminal, and the
// append-only event trail behind every transition.
package state

import "time"

// Status values an invoice moves through. Paid and Escalated are
// terminal; both trigger archival.
const (
	StatusUnpaid    = "unpaid"
	StatusInReview  = "in_review"
	StatusPaid      = "paid"
	StatusEscalated = "escalated"
	StatusPaused    = "paused"
)

// Payment is the evidence attached when an invoice is marked paid.
type Payment struct {
	Method     string    `json:"method"`
	Amount     float64   `json:"amount"`
	SourceFile string    `json:"source_file"`
	DetectedAt time.Time `json:"detected_at"`
}

// ReminderRecord is one entry of an invoice's reminder log.
type ReminderRecord struct {
	RuleID   string    `json:"rule_id"`
	SentAt   time.Time `json:"sent_at"`
	Template string    `json:"template"`
	Outcome  string    `json:"outcome"`
}

// Invoice is the canonical state record, keyed by (Client, Number).
type Invoice struct {
	Client       string           `json:"client"`
	Number       string           `json:"number"`
	Amount       float64          `json:"amount"`
	DueDate      time.Time        `json:"due_date"`
	ContactEmail string           `json:"contact_email,omitempty"`
	SourcePath   string           `json:"source_document_path,omitempty"`
	Confidence   float64          `json:"confidence"`
	Status       string           `json:"status"`
	ScannedAt    time.Time        `json:"scanned_at"`
	PaidAt       *time.Time       `json:"paid_at,omitempty"`
	Payment      *Payment         `json:"payment,omitempty"`
	ReminderLog  []ReminderRecord `json:"reminder_log,omitempty"`
}

// HasReminder reports whether a rule already fired for this invoice.
// This is the at-most-once guarantee behind the scheduler.
func (i Invoice) HasReminder(ruleID string) bool {
	for _, r := range i.ReminderLog {
		if r.RuleID == ruleID {
			return true
		}
	}
	return false
}

// DaysUntilDue is the civil-date difference between the due date and now:
// positive before the due day, zero on it, negative after.
func (i Invoice) DaysUntilDue(now time.Time) int {
	due := civil(i.DueDate)
	today := civil(now)
	return int(due.Sub(today).Hours() / 24)
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Terminal reports whether the invoice reached a terminal status.
func (i Invoice) Terminal() bool {
	return i.Status == StatusPaid || i.Status == StatusEscalated
}
