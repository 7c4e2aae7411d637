package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText shells out to the poppler pdftotext binary. It needs no network
// access and is the default extractor.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a local extractor. An empty binPath resolves
// "pdftotext" from PATH at run time.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText pipes the PDF through pdftotext in layout mode. pdftotext
// terminates each page with a form feed; those are normalized to blank lines
// so both extractors produce the same page-break convention.
func (p *PdfToText) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", "-", "-")
	cmd.Stdin = bytes.NewReader(pdf)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", eris.Wrapf(err, "ocr: pdftotext: %s", msg)
		}
		return "", eris.Wrap(err, "ocr: pdftotext")
	}

	text := strings.TrimRight(stdout.String(), "\f\n ")
	return strings.ReplaceAll(text, "\f", "\n\n"), nil
}
