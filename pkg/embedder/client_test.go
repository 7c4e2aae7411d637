package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestEmbed_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, []string{"alpha", "beta"}, req.Input)

		// Out of order on purpose; the client must reorder by index.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0.3,0.4]},
			{"index":0,"embedding":[0.1,0.2]}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", "test-model", WithRetryConfig(fastRetry()))
	vectors, err := client.Embed(context.Background(), []string{"alpha", "beta"})

	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestEmbed_EmptyInput(t *testing.T) {
	t.Parallel()

	client := NewClient("http://unused", "", "test-model")
	vectors, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestEmbed_RetriesTransient(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", WithRetryConfig(fastRetry()))
	vectors, err := client.Embed(context.Background(), []string{"alpha"})

	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestEmbed_PermanentError(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"input too long"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", WithRetryConfig(fastRetry()))
	_, err := client.Embed(context.Background(), []string{"alpha"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	// 4xx is not retried.
	assert.Equal(t, int32(1), attempts.Load())
}

func TestEmbed_MissingVector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", WithRetryConfig(fastRetry()))
	_, err := client.Embed(context.Background(), []string{"alpha", "beta"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing vector")
}
