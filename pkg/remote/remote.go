// Package remote implements compressors backed by network services: a
// plain HTTP summarizer and an OpenAI-compatible chat-completions
// client. Both satisfy the engine's Compressor contract and are wired
// in through engine.Options.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 2
	}
	if policy.Backoff <= 0 {
		policy.Backoff = 250 * time.Millisecond
	}
	return policy
}

func withRetry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	policy = normalizeRetryPolicy(policy)
	var last error
	for i := 1; i <= policy.MaxAttempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err := fn(i); err == nil {
			return nil
		} else {
			last = err
		}
		if i == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff):
		}
	}
	if last != nil {
		return last
	}
	return fmt.Errorf("operation failed without error details")
}

// ResolveSecretRef resolves values in the form "env:VAR_NAME".
func ResolveSecretRef(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(raw), "env:") {
		return raw
	}
	key := strings.TrimSpace(raw[4:])
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}

func validateAbsoluteHTTPURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
