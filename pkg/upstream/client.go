// Package upstream streams requests to an OpenAI-compatible Responses API
// and decodes the SSE reply into typed events.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/codeready-toolchain/relay/pkg/config"
)

// Event is one upstream SSE frame: the event name and its JSON payload.
type Event struct {
	Type string
	Data json.RawMessage
}

// APIError is a non-2xx response from the upstream before any SSE frame.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Responses API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an upstream client from configuration. The configured
// API key is the fallback credential; callers may override it per request.
func NewClient(cfg config.UpstreamConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{}, // no client timeout: streams are long-lived
		logger:     slog.Default(),
	}
}

// Stream POSTs payload to {base}/responses and returns channels of decoded
// SSE events. The events channel closes when the upstream stream ends; a
// mid-stream failure is delivered on the error channel first.
//
// Connection errors and non-2xx statuses are returned synchronously so the
// caller can still answer with a plain HTTP error.
func (c *Client) Stream(ctx context.Context, payload map[string]any, authHeader string) (<-chan Event, <-chan error, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode upstream payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, &APIError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	events := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		if err := decodeSSE(ctx, resp.Body, events); err != nil {
			errs <- err
		}
	}()
	return events, errs, nil
}
