package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/config"
)

func TestNewExtractor_ProviderSelection(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.OCRConfig
		want    any
		wantErr string
	}{
		{"empty defaults to local", config.OCRConfig{}, &PdfToText{}, ""},
		{"local", config.OCRConfig{Provider: "local"}, &PdfToText{}, ""},
		{"mistral", config.OCRConfig{Provider: "Mistral", MistralKey: "key"}, &MistralOCR{}, ""},
		{"mistral without key", config.OCRConfig{Provider: "mistral"}, nil, "mistral_key"},
		{"unknown", config.OCRConfig{Provider: "tesseract"}, nil, "unknown provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := NewExtractor(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, ext)
		})
	}
}

func fastMistral(t *testing.T, url string) *MistralOCR {
	t.Helper()
	m := NewMistralOCR("test-key", "")
	m.endpoint = url
	m.retry.InitialBackoff = time.Millisecond
	m.retry.MaxBackoff = 5 * time.Millisecond
	return m
}

func TestMistralOCR_ExtractText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ocrRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultMistralModel, req.Model)
		assert.Equal(t, "document_url", req.Document.Type)
		assert.True(t, strings.HasPrefix(req.Document.DocumentURL, "data:application/pdf;base64,"))

		json.NewEncoder(w).Encode(ocrResult{ //nolint:errcheck
			Pages: []ocrPage{
				{Index: 0, Markdown: "# Lease Agreement"},
				{Index: 1, Markdown: "Term: 24 months"},
			},
		})
	}))
	defer srv.Close()

	text, err := fastMistral(t, srv.URL).ExtractText(context.Background(), []byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	assert.Equal(t, "# Lease Agreement\n\nTerm: 24 months", text)
}

func TestMistralOCR_RetriesTransientStatus(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ocrResult{ //nolint:errcheck
			Pages: []ocrPage{{Index: 0, Markdown: "recovered"}},
		})
	}))
	defer srv.Close()

	text, err := fastMistral(t, srv.URL).ExtractText(context.Background(), []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 2, calls)
}

func TestMistralOCR_PermanentStatusNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := fastMistral(t, srv.URL).ExtractText(context.Background(), []byte("%PDF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, 1, calls)
}

func TestMistralOCR_RejectsOversizedPDF(t *testing.T) {
	m := NewMistralOCR("test-key", "")
	_, err := m.ExtractText(context.Background(), make([]byte, maxPDFBytes+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestNewPdfToText_DefaultBin(t *testing.T) {
	assert.Equal(t, "pdftotext", NewPdfToText("").binPath)
	assert.Equal(t, "/opt/poppler/bin/pdftotext", NewPdfToText("/opt/poppler/bin/pdftotext").binPath)
}
