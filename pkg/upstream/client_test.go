package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/config"
)

// sseHandler writes scripted SSE frames and optionally the [DONE] sentinel.
func sseHandler(t *testing.T, frames [][2]string, done bool) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/responses", r.URL.Path)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame[0], frame[1])
			flusher.Flush()
		}
		if done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
		}
	}
}

func newTestClient(baseURL string) *Client {
	return NewClient(config.UpstreamConfig{
		BaseURL:      baseURL + "/v1",
		DefaultModel: "gpt-4.1",
		APIKey:       "sk-default",
	})
}

func collect(t *testing.T, events <-chan Event, errs <-chan error) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	select {
	case err := <-errs:
		require.NoError(t, err)
	default:
	}
	return out
}

func TestStream_DecodesEvents(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, [][2]string{
		{"response.created", `{"response":{"id":"resp_1"}}`},
		{"response.output_text.delta", `{"delta":"Hel"}`},
		{"response.output_text.delta", `{"delta":"lo"}`},
		{"response.completed", `{"response":{"id":"resp_1","status":"completed"}}`},
	}, true))
	defer srv.Close()

	client := newTestClient(srv.URL)
	events, errs, err := client.Stream(context.Background(), map[string]any{"model": "gpt-4.1", "stream": true}, "")
	require.NoError(t, err)

	got := collect(t, events, errs)
	require.Len(t, got, 4)
	assert.Equal(t, "response.created", got[0].Type)
	assert.JSONEq(t, `{"delta":"Hel"}`, string(got[1].Data))
	assert.Equal(t, "response.completed", got[3].Type)
}

func TestStream_ForwardsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		sseHandler(t, nil, true)(w, r)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	// Caller credential wins.
	events, errs, err := client.Stream(context.Background(), map[string]any{"model": "m"}, "Bearer sk-caller")
	require.NoError(t, err)
	collect(t, events, errs)
	assert.Equal(t, "Bearer sk-caller", gotAuth)

	// Falls back to the configured key.
	events, errs, err = client.Stream(context.Background(), map[string]any{"model": "m"}, "")
	require.NoError(t, err)
	collect(t, events, errs)
	assert.Equal(t, "Bearer sk-default", gotAuth)
}

func TestStream_Non2xxReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"model is required"}}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, _, err := client.Stream(context.Background(), map[string]any{}, "")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "model is required")
}

func TestStream_IgnoresCommentsAndUnknownFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "retry: 3000\nevent: response.created\ndata: {\"response\":{\"id\":\"r\"}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	events, errs, err := client.Stream(context.Background(), map[string]any{"model": "m"}, "")
	require.NoError(t, err)

	got := collect(t, events, errs)
	require.Len(t, got, 1)
	assert.Equal(t, "response.created", got[0].Type)
}

func TestStream_MultiLineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"a\":\ndata: 1}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	events, errs, err := client.Stream(context.Background(), map[string]any{"model": "m"}, "")
	require.NoError(t, err)

	got := collect(t, events, errs)
	require.Len(t, got, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(got[0].Data, &decoded))
	assert.Equal(t, float64(1), decoded["a"])
}
