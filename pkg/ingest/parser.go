package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Field weights for the overall confidence score. Only fields that
// produced a value participate; the score is the weighted mean over
// those, so the weights need not sum to one.
var fieldWeights = map[string]float64{
	"invoice_number": 0.30,
	"client_name":    0.25,
	"amount":         0.30,
	"due_date":       0.25,
	"items":          0.10,
}

type weightedPattern struct {
	re     *regexp.Regexp
	weight float64
}

// Ordered pattern tables, first match wins. English and Spanish
// markers are first-class: the document stream is bilingual.
var (
	invoiceNumberPatterns = []weightedPattern{
		{regexp.MustCompile(`(?i)Invoice\s*#?\s*:?\s*([A-Z0-9-]+)`), 1.0},
		{regexp.MustCompile(`(?i)Factura\s*#?\s*:?\s*([A-Z0-9-]+)`), 1.0},
		{regexp.MustCompile(`(?i)INV-?([A-Z0-9-]+)`), 0.90},
		{regexp.MustCompile(`([A-Z]{2,}-\d{4,})`), 0.85},
	}
	amountPatterns = []weightedPattern{
		{regexp.MustCompile(`(?i)Total[:\s]*\$?([0-9,]+\.?\d*)`), 1.0},
		{regexp.MustCompile(`(?i)Monto[:\s]*\$?([0-9,]+\.?\d*)`), 1.0},
		{regexp.MustCompile(`(?i)Balance\s+Due[:\s]*\$?([0-9,]+\.?\d*)`), 0.95},
		{regexp.MustCompile(`([0-9,]+\.\d{2})\s*(?:USD|COP|EUR)?`), 0.90},
	}
	datePatterns = []weightedPattern{
		{regexp.MustCompile(`(?i)Due\s*Date[:\s]*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{1,2}-\d{1,2})`), 1.0},
		{regexp.MustCompile(`(?i)Fecha\s*de\s*Vencimiento[:\s]*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{1,2}-\d{1,2})`), 1.0},
		{regexp.MustCompile(`(\d{1,2}\s+[A-Za-z]+\s+\d{4})`), 0.85},
		{regexp.MustCompile(`(\d{4}-\d{1,2}-\d{1,2})`), 0.90},
	}
	clientPatterns = []weightedPattern{
		{regexp.MustCompile(`(?im)Bill\s+To\s*:?\s*\n(.+)`), 0.95},
		{regexp.MustCompile(`(?im)Client\s*:?\s*\n(.+)`), 0.95},
		{regexp.MustCompile(`(?im)^To\s*:?\s*\n(.+)`), 0.90},
	}
)

var dateLayouts = []string{
	"1/2/2006", "2/1/2006", "1-2-2006", "2-1-2006",
	"2006-1-2", "2 January 2006", "Jan 2, 2006",
	"1/2/06", "2/1/06",
}

// LineItem is one table row of the invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Total       float64 `json:"total"`
}

// Parsed is the structured extraction result.
type Parsed struct {
	Number     string
	Client     string
	Amount     float64
	DueDate    time.Time
	Items      []LineItem
	Confidence float64
	Breakdown  map[string]float64
}

// Parser applies the weighted pattern tables to an extracted document.
type Parser struct{}

// NewParser builds a parser with the default pattern tables.
func NewParser() *Parser {
	return &Parser{}
}

// Parse extracts the invoice fields and their confidence from a
// document. Missing fields score zero and are excluded from the
// weighted mean.
func (p *Parser) Parse(doc Document) Parsed {
	out := Parsed{Breakdown: make(map[string]float64, len(fieldWeights))}

	number, w := matchFirst(doc.Text, invoiceNumberPatterns)
	out.Number = number
	out.Breakdown["invoice_number"] = w

	out.Client, out.Breakdown["client_name"] = extractClient(doc.Text)

	if raw, aw := matchFirst(doc.Text, amountPatterns); raw != "" {
		if v, err := parseAmount(raw); err == nil {
			out.Amount = v
			out.Breakdown["amount"] = aw
		}
	}

	if raw, dw := matchFirst(doc.Text, datePatterns); raw != "" {
		if d, ok := parseDate(raw); ok {
			out.DueDate = d
			out.Breakdown["due_date"] = dw
		}
	}

	out.Items, out.Breakdown["items"] = extractItems(doc.Tables)
	out.Confidence = overallConfidence(out.Breakdown)
	return out
}

func matchFirst(text string, patterns []weightedPattern) (string, float64) {
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), p.weight
		}
	}
	return "", 0
}

func extractClient(text string) (string, float64) {
	for _, p := range clientPatterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			line := strings.TrimSpace(strings.SplitN(m[1], "\n", 2)[0])
			if line != "" {
				return line, p.weight
			}
		}
	}
	// Fallback: first early line that is not a document keyword.
	lines := strings.Split(text, "\n")
	if len(lines) > 10 {
		lines = lines[:10]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) <= 3 {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "invoice") || strings.Contains(lower, "factura") ||
			strings.Contains(lower, "date") || strings.Contains(lower, "fecha") ||
			strings.Contains(lower, "total") {
			continue
		}
		return line, 0.75
	}
	return "", 0
}

// parseAmount parses a decimal after stripping grouping separators.
func parseAmount(raw string) (float64, error) {
	cleaned := strings.NewReplacer(",", "", "$", "").Replace(raw)
	return strconv.ParseFloat(cleaned, 64)
}

// parseDate normalises any of the observed string formats to a civil
// date in UTC.
func parseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			y, m, day := d.Date()
			return time.Date(y, m, day, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func extractItems(tables [][][]string) ([]LineItem, float64) {
	var items []LineItem
	for _, table := range tables {
		rows := table
		if len(rows) > 1 {
			rows = rows[1:] // skip header
		}
		for _, row := range rows {
			if len(row) < 3 {
				continue
			}
			qty, qErr := parseAmount(row[1])
			price, pErr := parseAmount(row[2])
			total, tErr := parseAmount(row[len(row)-1])
			if qErr != nil || pErr != nil || tErr != nil {
				continue
			}
			items = append(items, LineItem{
				Description: strings.TrimSpace(row[0]),
				Quantity:    qty,
				Price:       price,
				Total:       total,
			})
		}
	}
	if len(items) == 0 {
		return nil, 0
	}
	conf := float64(len(items)) * 0.1
	if conf > 1.0 {
		conf = 1.0
	}
	return items, conf
}

// overallConfidence is the weighted mean over fields that produced a
// value.
func overallConfidence(breakdown map[string]float64) float64 {
	var weighted, total float64
	for field, conf := range breakdown {
		if conf <= 0 {
			continue
		}
		w, ok := fieldWeights[field]
		if !ok {
			continue
		}
		weighted += conf * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}
