package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/novotechno/collections/pkg/ratelimit"
	"github.com/novotechno/collections/pkg/tokens"
)

// GraphBaseURL is the Microsoft Graph v1.0 endpoint.
const GraphBaseURL = "https://graph.microsoft.com/v1.0"

const graphMaxAttempts = 3

// GraphSender delivers through the Graph sendMail endpoint. Every send
// acquires a fresh token from the validator; throttled responses are
// retried with exponential backoff before ErrRateLimited is surfaced.
type GraphSender struct {
	baseURL    string
	account    string
	validator  *tokens.Validator
	backoff    *ratelimit.Backoff
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewGraphSender builds a sender for one account.
func NewGraphSender(validator *tokens.Validator, account string) *GraphSender {
	return &GraphSender{
		baseURL:    GraphBaseURL,
		account:    account,
		validator:  validator,
		backoff:    ratelimit.NewBackoff(time.Second, time.Minute),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		sleep:      sleepCtx,
	}
}

// WithBaseURL points the sender at a different endpoint, for testing.
func (g *GraphSender) WithBaseURL(url string) *GraphSender {
	g.baseURL = url
	return g
}

// WithLogger replaces the default logger.
func (g *GraphSender) WithLogger(l *slog.Logger) *GraphSender {
	g.logger = l
	return g
}

type graphAddress struct {
	Address string `json:"address"`
}

type graphRecipient struct {
	EmailAddress graphAddress `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	Subject       string           `json:"subject"`
	Body          graphBody        `json:"body"`
	ToRecipients  []graphRecipient `json:"toRecipients"`
	CCRecipients  []graphRecipient `json:"ccRecipients,omitempty"`
	BCCRecipients []graphRecipient `json:"bccRecipients,omitempty"`
}

type sendMailRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

func recipients(addrs []string) []graphRecipient {
	out := make([]graphRecipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, graphRecipient{EmailAddress: graphAddress{Address: a}})
	}
	return out
}

// Send posts the message, retrying 429/503 responses with backoff. The
// returned ID is the Graph request identifier.
func (g *GraphSender) Send(ctx context.Context, msg Message) (string, error) {
	payload := sendMailRequest{
		Message: graphMessage{
			Subject:      msg.Subject,
			Body:         graphBody{ContentType: "HTML", Content: msg.BodyHTML},
			ToRecipients: []graphRecipient{{EmailAddress: graphAddress{Address: msg.To}}},
		},
		SaveToSentItems: true,
	}
	if len(msg.CC) > 0 {
		payload.Message.CCRecipients = recipients(msg.CC)
	}
	if len(msg.BCC) > 0 {
		payload.Message.BCCRecipients = recipients(msg.BCC)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal sendMail payload: %w", err)
	}

	for attempt := 1; attempt <= graphMaxAttempts; attempt++ {
		id, err := g.post(ctx, body)
		switch {
		case err == nil:
			g.backoff.Reset()
			return id, nil
		case errors.Is(err, ErrRateLimited) && attempt < graphMaxAttempts:
			wait := g.backoff.Next()
			g.logger.Warn("throttled by transport, backing off",
				"recipient", msg.To, "attempt", attempt, "wait", wait)
			if sErr := g.sleep(ctx, wait); sErr != nil {
				return "", sErr
			}
		default:
			return "", err
		}
	}
	return "", ErrRateLimited
}

func (g *GraphSender) post(ctx context.Context, body []byte) (string, error) {
	tok, err := g.validator.Acquire(ctx, g.account)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/users/me/sendMail", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build sendMail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sendMail request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return resp.Header.Get("request-id"), nil
	case resp.StatusCode == http.StatusUnauthorized:
		return "", ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return "", ErrRateLimited
	default:
		return "", fmt.Errorf("sendMail returned status %d", resp.StatusCode)
	}
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
