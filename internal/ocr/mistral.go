package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/resilience"
)

const (
	mistralEndpoint     = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "pixtral-large-latest"

	// Encoding the PDF as a data URL roughly doubles its size, so cap the
	// input well below the API's request limit.
	maxPDFBytes = 40 << 20
)

// MistralOCR extracts text from scanned PDFs through the Mistral OCR API.
// Transient API failures are retried with backoff before giving up.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	retry    resilience.RetryConfig
}

// NewMistralOCR creates a Mistral-backed extractor. An empty model selects
// the current default.
func NewMistralOCR(apiKey, model string) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("mistral", "ocr")
	return &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralEndpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
		retry:    retry,
	}
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type ocrResult struct {
	Pages []ocrPage `json:"pages"`
}

type ocrPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// ExtractText uploads the PDF as a base64 data URL and returns the per-page
// markdown joined with blank lines, in page order.
func (m *MistralOCR) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	if len(pdf) > maxPDFBytes {
		return "", eris.Errorf("ocr: pdf is %d bytes, limit is %d", len(pdf), maxPDFBytes)
	}

	payload, err := json.Marshal(ocrRequest{
		Model: m.model,
		Document: ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf),
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "ocr: marshal request")
	}

	result, err := resilience.DoVal(ctx, m.retry, func(ctx context.Context) (*ocrResult, error) {
		return m.call(ctx, payload)
	})
	if err != nil {
		return "", err
	}

	zap.L().Debug("ocr extracted",
		zap.Int("pages", len(result.Pages)),
		zap.Int("pdf_bytes", len(pdf)))

	texts := make([]string, len(result.Pages))
	for i, page := range result.Pages {
		texts[i] = page.Markdown
	}
	return strings.Join(texts, "\n\n"), nil
}

func (m *MistralOCR) call(ctx context.Context, payload []byte) (*ocrResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ocr: mistral call"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ocr: read response"), 0)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("ocr: mistral returned %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}

	var result ocrResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "ocr: decode response")
	}
	return &result, nil
}
