package api

import (
	"bytes"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// sseWriter frames server-sent events onto an already-committed response.
type sseWriter struct {
	resp *echo.Response
}

// openSSE commits the response as an event stream and returns a writer.
func openSSE(c *echo.Context) *sseWriter {
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	return &sseWriter{resp: c.Response().(*echo.Response)}
}

// send writes one event frame and flushes it to the client. A payload with
// embedded newlines becomes repeated data: lines so the framing survives.
func (w *sseWriter) send(event string, data []byte) error {
	if _, err := fmt.Fprintf(w.resp, "event: %s\n", event); err != nil {
		return err
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if _, err := fmt.Fprintf(w.resp, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := w.resp.Write([]byte{'\n'}); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}
