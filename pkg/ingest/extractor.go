// Package ingest turns dropped PDF documents into invoice records with
// a confidence score, then routes them into active state, the review
// queue, or the manual pile.
package ingest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Document is the raw extraction output: full text plus any tables
// found, row-major.
type Document struct {
	Text   string
	Tables [][][]string
}

// Extractor abstracts the PDF text-extraction engine.
type Extractor interface {
	Extract(ctx context.Context, path string) (Document, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, path string) (Document, error)

func (f ExtractorFunc) Extract(ctx context.Context, path string) (Document, error) {
	return f(ctx, path)
}

// PlainText reads the file and keeps only printable text. It handles
// text-layer documents; image-only PDFs need a real extraction engine
// plugged in through the Extractor interface.
func PlainText() Extractor {
	return ExtractorFunc(func(_ context.Context, path string) (Document, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return Document{}, fmt.Errorf("read document: %w", err)
		}
		var b strings.Builder
		b.Grow(len(data))
		for _, r := range string(data) {
			if r == '\n' || r == '\t' || unicode.IsPrint(r) {
				b.WriteRune(r)
			}
		}
		return Document{Text: b.String()}, nil
	})
}
