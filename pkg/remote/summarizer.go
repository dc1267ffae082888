package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SummarizerConfig points at a summarization endpoint that accepts
// {"content", "target_ratio"} and answers {"summary"}.
type SummarizerConfig struct {
	Endpoint    string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Summarizer is the HTTP-service compressor.
type Summarizer struct {
	endpoint string
	apiKey   string
	retry    RetryPolicy
	client   *http.Client
}

func NewSummarizer(cfg SummarizerConfig) (*Summarizer, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("summarizer endpoint is required")
	}
	if err := validateAbsoluteHTTPURL(endpoint); err != nil {
		return nil, fmt.Errorf("invalid summarizer endpoint %q: %w", endpoint, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Summarizer{
		endpoint: endpoint,
		apiKey:   ResolveSecretRef(cfg.APIKey),
		retry:    RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.Backoff},
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (s *Summarizer) Name() string { return "remote-summarizer" }

// Compress posts the content and returns the service's rewrite. The
// engine judges the result against its similarity bound; this client
// only refuses transport failures and empty rewrites.
func (s *Summarizer) Compress(ctx context.Context, content string, targetRatio float64) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"content":      content,
		"target_ratio": targetRatio,
	})
	if err != nil {
		return "", fmt.Errorf("marshal summarize request: %w", err)
	}

	var summary string
	invokeErr := withRetry(ctx, s.retry, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create summarize request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("send summarize request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
		if err != nil {
			return fmt.Errorf("read summarize response: %w", err)
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return fmt.Errorf("summarizer request failed: status=%d error=%s", resp.StatusCode, extractAPIError(body))
		}

		var parsed struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("parse summarize response: %w", err)
		}
		summary = strings.TrimSpace(parsed.Summary)
		if summary == "" {
			return fmt.Errorf("summarizer returned an empty summary")
		}
		return nil
	})
	if invokeErr != nil {
		return "", invokeErr
	}
	return summary, nil
}
