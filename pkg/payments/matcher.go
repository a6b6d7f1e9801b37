// Package payments watches the filesystem for payment evidence, matches
// it to open invoices with a confidence score, and settles the state.
package payments

import (
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/novotechno/collections/pkg/state"
)

// amountTolerance is the relative amount window for client matches.
const amountTolerance = 0.05

// paymentFilePatterns mark candidate evidence files by name.
var paymentFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`pagado|paid|payment`),
	regexp.MustCompile(`confirmacion|confirmation`),
	regexp.MustCompile(`recibo|receipt`),
}

// IsPaymentFile reports whether the path looks like payment evidence.
func IsPaymentFile(path string) bool {
	lower := strings.ToLower(path)
	for _, re := range paymentFilePatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

var (
	amountRes = []*regexp.Regexp{
		regexp.MustCompile(`\$?([0-9,]+\.\d{2})`),
		regexp.MustCompile(`\$?([0-9,]+)`),
	}
	invoiceRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(INV-[A-Z0-9-]+)`),
		regexp.MustCompile(`(?i)(?:factura|invoice|pagare)[\s_-]*([A-Z0-9-]+)`),
		regexp.MustCompile(`([A-Z]{2,3}[0-9]{3,6})`),
	}
	methodMarkers = []string{"bancolombia", "davivienda", "transfer", "pago", "payment"}
)

// Extracted is what the path and filename give away about a payment.
type Extracted struct {
	Amount    float64
	HasAmount bool
	Client    string
	Number    string
	Method    string
}

// ExtractFromPath pulls (method, amount, invoice number, client) out of
// the path with ordered regexes. Client comes from a Clients/{name}
// path segment when present.
func ExtractFromPath(path string) Extracted {
	out := Extracted{Method: "unknown"}
	lower := strings.ToLower(path)
	base := filepath.Base(path)

	for _, marker := range methodMarkers {
		if strings.Contains(lower, marker) {
			out.Method = marker
			break
		}
	}

	for _, re := range amountRes {
		if m := re.FindStringSubmatch(base); m != nil {
			if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
				out.Amount = v
				out.HasAmount = true
				break
			}
		}
	}

	for _, re := range invoiceRes {
		if m := re.FindStringSubmatch(base); m != nil {
			out.Number = strings.ToUpper(m[1])
			break
		}
	}

	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		p := strings.ToLower(part)
		if (p == "clients" || p == "clientes") && i+1 < len(parts) {
			out.Client = parts[i+1]
			break
		}
	}
	return out
}

// AmountScore grades how well a payment amount covers an invoice:
// exact 1.0, under-payment 0.95, over-payment 0.90, unknown 0.
func AmountScore(payment, invoice float64) float64 {
	if payment <= 0 || invoice <= 0 {
		return 0
	}
	switch {
	case math.Abs(payment-invoice) < 0.01:
		return 1.0
	case payment < invoice:
		return 0.95
	default:
		return 0.90
	}
}

// Match is a settled correspondence between evidence and an invoice.
type Match struct {
	Invoice    state.Invoice
	Extracted  Extracted
	Confidence float64
}

// Matcher searches open invoices for the owner of a piece of evidence.
type Matcher struct {
	store *state.Store
}

// NewMatcher builds a matcher over the given store.
func NewMatcher(store *state.Store) *Matcher {
	return &Matcher{store: store}
}

// MatchFile resolves a payment file to an unpaid invoice. Precedence:
// exact invoice-number match, then client plus amount within 5%.
// Returns nil when nothing matches.
func (m *Matcher) MatchFile(path string) (*Match, error) {
	ext := ExtractFromPath(path)
	unpaid, err := m.store.ListUnpaid()
	if err != nil {
		return nil, err
	}

	if ext.Number != "" {
		for _, inv := range unpaid {
			if strings.EqualFold(inv.Number, ext.Number) {
				return &Match{
					Invoice:    inv,
					Extracted:  ext,
					Confidence: AmountScore(ext.Amount, inv.Amount),
				}, nil
			}
		}
	}

	if ext.HasAmount && ext.Client != "" {
		for _, inv := range unpaid {
			if !strings.EqualFold(inv.Client, ext.Client) || inv.Amount <= 0 {
				continue
			}
			if math.Abs(inv.Amount-ext.Amount)/inv.Amount <= amountTolerance {
				return &Match{
					Invoice:    inv,
					Extracted:  ext,
					Confidence: AmountScore(ext.Amount, inv.Amount),
				}, nil
			}
		}
	}
	return nil, nil
}
