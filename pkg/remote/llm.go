package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mnemolabs/strata/pkg/engine"
)

const (
	defaultLLMAPIBase = "https://openrouter.ai/api/v1"
	defaultLLMModel   = "openai/gpt-5.2"

	compressSystemPrompt = "You compress stored memory entries. Rewrite the entry within the " +
		"requested length budget, keeping every fact, name, number, and decision. " +
		"Output only the rewritten entry, no preamble."
)

// LLMConfig points the compressor at an OpenAI-compatible
// chat-completions endpoint.
type LLMConfig struct {
	APIBase string
	APIKey  string
	Model   string
	Proxy   string
	Timeout time.Duration
}

// LLMCompressor rewrites content through a chat-completions model.
type LLMCompressor struct {
	apiBase string
	apiKey  string
	model   string
	client  *http.Client
}

func NewLLMCompressor(cfg LLMConfig) (*LLMCompressor, error) {
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultLLMAPIBase
	}
	if err := validateAbsoluteHTTPURL(apiBase); err != nil {
		return nil, fmt.Errorf("invalid llm api base %q: %w", apiBase, err)
	}
	apiKey := ResolveSecretRef(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("llm compressor requires an api key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultLLMModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if proxy := strings.TrimSpace(cfg.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse llm proxy: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return &LLMCompressor{
		apiBase: apiBase,
		apiKey:  apiKey,
		model:   model,
		client:  client,
	}, nil
}

func (c *LLMCompressor) Name() string { return "llm:" + c.model }

// Compress asks the model for a rewrite within the token budget implied
// by targetRatio.
func (c *LLMCompressor) Compress(ctx context.Context, content string, targetRatio float64) (string, error) {
	budget := int(float64(engine.EstimateTokens(content)) * targetRatio)
	if budget < 48 {
		budget = 48
	}

	requestBody := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": compressSystemPrompt},
			{"role": "user", "content": fmt.Sprintf("Compress to roughly %d tokens:\n\n%s", budget, content)},
		},
		"max_tokens":  budget + 64,
		"temperature": 0.2,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal compress request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create compress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send compress request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", fmt.Errorf("read compress response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("llm request failed: status=%d error=%s", resp.StatusCode, extractAPIError(body))
	}

	rewrite, err := parseChatCompletion(body)
	if err != nil {
		return "", fmt.Errorf("parse compress response: %w", err)
	}
	if strings.TrimSpace(rewrite) == "" {
		return "", fmt.Errorf("model returned an empty rewrite")
	}
	return strings.TrimSpace(rewrite), nil
}

func parseChatCompletion(body []byte) (string, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", err
	}
	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("response carries no choices")
	}
	return flattenMessageContent(apiResponse.Choices[0].Message.Content), nil
}

// flattenMessageContent accepts both the plain-string and the
// content-parts response shapes.
func flattenMessageContent(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}
