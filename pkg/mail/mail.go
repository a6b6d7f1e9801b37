// Package mail defines the outbound transport contract and its two
// implementations: a dry-run sender for rehearsals and a Microsoft
// Graph sender for production.
package mail

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrRateLimited means the transport refused the send for throttling
	// reasons (HTTP 429/503). The caller should back off and stop.
	ErrRateLimited = errors.New("mail: transport rate limited")
	// ErrAuth means the transport rejected our credentials (HTTP 401).
	ErrAuth = errors.New("mail: authentication failed")
)

// Message is one outbound email.
type Message struct {
	To       string
	CC       []string
	BCC      []string
	Subject  string
	BodyHTML string
}

// Sender delivers messages. Send returns a transport message ID on
// success; failures are ErrRateLimited, ErrAuth, or transient errors.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// DryRunSender records messages instead of delivering them. Safe for
// concurrent use.
type DryRunSender struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewDryRunSender builds a recorder logging through the given logger.
func NewDryRunSender(logger *slog.Logger) *DryRunSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunSender{logger: logger}
}

// Send logs the would-be delivery and returns a synthetic message ID.
func (d *DryRunSender) Send(_ context.Context, msg Message) (string, error) {
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	d.mu.Unlock()

	id := "dry-run-" + uuid.New().String()
	d.logger.Info("dry run: would send email",
		"to", msg.To, "subject", msg.Subject, "message_id", id)
	return id, nil
}

// Sent returns a copy of everything recorded so far.
func (d *DryRunSender) Sent() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.sent))
	copy(out, d.sent)
	return out
}
