package replies

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/novotechno/collections/pkg/tokens"
)

// graphBaseURL is the Microsoft Graph v1.0 endpoint.
const graphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphInbox fetches inbox messages through the Graph messages endpoint.
// Sender filtering happens client-side so the query stays a simple
// receivedDateTime filter.
type GraphInbox struct {
	baseURL    string
	account    string
	validator  *tokens.Validator
	httpClient *http.Client
}

// NewGraphInbox builds a reader for one account.
func NewGraphInbox(validator *tokens.Validator, account string) *GraphInbox {
	return &GraphInbox{
		baseURL:    graphBaseURL,
		account:    account,
		validator:  validator,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithBaseURL points the reader at a different endpoint, for testing.
func (g *GraphInbox) WithBaseURL(url string) *GraphInbox {
	g.baseURL = url
	return g
}

type graphMessagePage struct {
	Value []struct {
		Subject string `json:"subject"`
		From    struct {
			EmailAddress struct {
				Address string `json:"address"`
			} `json:"emailAddress"`
		} `json:"from"`
		Body struct {
			Content string `json:"content"`
		} `json:"body"`
	} `json:"value"`
}

// MessagesSince returns inbox messages received after since, restricted
// to the given sender addresses when any are configured.
func (g *GraphInbox) MessagesSince(ctx context.Context, since time.Time, senders []string) ([]InboxMessage, error) {
	tok, err := g.validator.Acquire(ctx, g.account)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	q.Set("$select", "subject,from,body")
	q.Set("$top", "50")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/users/me/mailFolders/inbox/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build messages request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("messages request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("messages returned status %d", resp.StatusCode)
	}

	var page graphMessagePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}

	allowed := make(map[string]bool, len(senders))
	for _, s := range senders {
		allowed[strings.ToLower(s)] = true
	}

	var out []InboxMessage
	for _, m := range page.Value {
		from := strings.ToLower(m.From.EmailAddress.Address)
		if len(allowed) > 0 && !allowed[from] {
			continue
		}
		out = append(out, InboxMessage{
			From:    m.From.EmailAddress.Address,
			Subject: m.Subject,
			Body:    m.Body.Content,
		})
	}
	return out, nil
}
