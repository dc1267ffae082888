package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLLMCompressor_Compress(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"migrations gate every deploy"}}]}`))
	}))
	defer server.Close()

	c, err := NewLLMCompressor(LLMConfig{
		APIBase: server.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	})
	if err != nil {
		t.Fatalf("new compressor: %v", err)
	}

	out, err := c.Compress(context.Background(), "the deploy pipeline always waits for database migrations to finish before rolling", 0.4)
	assert.NoError(t, err)
	assert.Equal(t, "migrations gate every deploy", out)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])
	messages, _ := gotBody["messages"].([]any)
	assert.Len(t, messages, 2)
	assert.NotNil(t, gotBody["max_tokens"])
	assert.Equal(t, "llm:test-model", c.Name())
}

func TestLLMCompressor_FlattensContentParts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}}]}`))
	}))
	defer server.Close()

	c, err := NewLLMCompressor(LLMConfig{APIBase: server.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("new compressor: %v", err)
	}

	out, err := c.Compress(context.Background(), "content to compress", 0.4)
	assert.NoError(t, err)
	assert.Equal(t, "part one part two", out)
}

func TestLLMCompressor_SurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited, slow down"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	c, err := NewLLMCompressor(LLMConfig{APIBase: server.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("new compressor: %v", err)
	}

	_, err = c.Compress(context.Background(), "content", 0.4)
	assert.ErrorContains(t, err, "status=429")
	assert.ErrorContains(t, err, "rate limited")
}

func TestLLMCompressor_RejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	c, err := NewLLMCompressor(LLMConfig{APIBase: server.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("new compressor: %v", err)
	}

	_, err = c.Compress(context.Background(), "content", 0.4)
	assert.ErrorContains(t, err, "no choices")
}

func TestLLMCompressor_RequiresAPIKey(t *testing.T) {
	_, err := NewLLMCompressor(LLMConfig{})
	assert.ErrorContains(t, err, "api key")
}
