package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarizer_Compress(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost {
			http.Error(w, "wrong method", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Content     string  `json:"content"`
			TargetRatio float64 `json:"target_ratio"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Content == "" || req.TargetRatio != 0.4 {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"summary":"deploys must wait for migrations"}`))
	}))
	defer server.Close()

	s, err := NewSummarizer(SummarizerConfig{Endpoint: server.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}

	out, err := s.Compress(context.Background(), "the deploy pipeline always waits for database migrations to finish", 0.4)
	assert.NoError(t, err)
	assert.Equal(t, "deploys must wait for migrations", out)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "remote-summarizer", s.Name())
}

func TestSummarizer_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"message":"try again"}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"summary":"second attempt worked"}`))
	}))
	defer server.Close()

	s, err := NewSummarizer(SummarizerConfig{
		Endpoint:    server.URL,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}

	out, err := s.Compress(context.Background(), "content", 0.4)
	assert.NoError(t, err)
	assert.Equal(t, "second attempt worked", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSummarizer_RejectsEmptySummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"summary":"   "}`))
	}))
	defer server.Close()

	s, err := NewSummarizer(SummarizerConfig{Endpoint: server.URL, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}

	_, err = s.Compress(context.Background(), "content", 0.4)
	assert.ErrorContains(t, err, "empty summary")
}

func TestSummarizer_ValidatesEndpoint(t *testing.T) {
	_, err := NewSummarizer(SummarizerConfig{})
	assert.ErrorContains(t, err, "endpoint is required")

	_, err = NewSummarizer(SummarizerConfig{Endpoint: "ftp://summaries.internal"})
	assert.ErrorContains(t, err, "scheme must be http or https")
}

func TestSummarizer_ResolvesEnvAPIKey(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"summary":"ok"}`))
	}))
	defer server.Close()

	t.Setenv("STRATA_TEST_SUMMARIZER_KEY", "from-env")
	s, err := NewSummarizer(SummarizerConfig{
		Endpoint: server.URL,
		APIKey:   "env:STRATA_TEST_SUMMARIZER_KEY",
	})
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}

	_, err = s.Compress(context.Background(), "content", 0.4)
	assert.NoError(t, err)
	assert.Equal(t, "Bearer from-env", gotAuth)
}
