// Package llm is the completion capability: one blocking call per request
// against an OpenAI-compatible chat-completions endpoint, with a bounded
// exponential-backoff retry on transient failure signatures.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cocoabot/cocoa/internal/config"
)

const (
	requestTimeout = 120 * time.Second
	maxAttempts    = 3
)

// Message is one chat turn. Content carries the text; Images, when set,
// turns the message into a multi-part user message with data-URI images.
type Message struct {
	Role    string
	Content string
	Images  []string // data URIs
}

func System(text string) Message    { return Message{Role: "system", Content: text} }
func User(text string) Message      { return Message{Role: "user", Content: text} }
func Assistant(text string) Message { return Message{Role: "assistant", Content: text} }

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Images) == 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content})
	}

	parts := make([]map[string]any, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, map[string]any{"type": "text", "text": m.Content})
	}
	for _, uri := range m.Images {
		parts = append(parts, map[string]any{
			"type":      "image_url",
			"image_url": map[string]string{"url": uri},
		})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content []map[string]any `json:"content"`
	}{m.Role, parts})
}

type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: requestTimeout}}
}

// Complete performs one chat completion against the profile's endpoint.
// Transient failures (timeouts, 5xx, upstream-error signatures) are retried
// up to maxAttempts with exponential backoff; anything else fails
// immediately.
func (c *Client) Complete(ctx context.Context, p config.ModelProfile, msgs []Message) (string, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return "", fmt.Errorf("missing api key for model %s", p.Model)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing base url for model %s", p.Model)
	}

	operation := func() (string, error) {
		out, err := c.send(ctx, baseURL, p, msgs)
		if err != nil && !isTransient(err) {
			return "", backoff.Permanent(err)
		}
		return out, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts))
}

func (c *Client) send(ctx context.Context, baseURL string, p config.ModelProfile, msgs []Message) (string, error) {
	body := map[string]any{
		"model":    p.Model,
		"messages": msgs,
	}
	if p.MaxTokens > 0 {
		body["max_tokens"] = p.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("upstream error: status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion failed: status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("upstream error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// isTransient matches the failure signatures worth retrying: network
// timeouts and upstream-error keywords.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{"timeout", "deadline exceeded", "upstream error", "overloaded", "connection reset"} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
