// Package ocr turns PDF bytes into plain text. Two extractors are available:
// the local poppler pdftotext binary for digital PDFs, and the Mistral OCR
// API for scanned documents.
package ocr

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/config"
)

// Extractor extracts text content from PDF bytes.
type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// NewExtractor builds the extractor named by cfg.Provider. An empty provider
// selects the local binary.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
