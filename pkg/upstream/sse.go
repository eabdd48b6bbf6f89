package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// doneSentinel terminates an SSE stream in the OpenAI protocol.
const doneSentinel = "[DONE]"

// maxLineSize bounds a single SSE line; large tool arguments arrive in
// deltas, so 1 MiB is generous.
const maxLineSize = 1 << 20

// decodeSSE reads an SSE body and emits one Event per frame. Comment lines
// and unknown fields are ignored; the [DONE] sentinel ends the stream
// cleanly. An EOF before [DONE] or a terminal frame is reported to the
// caller as-is; the orchestrator decides whether it was premature.
func decodeSSE(ctx context.Context, body io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var eventType string
	var data strings.Builder

	flush := func() (done bool, err error) {
		if data.Len() == 0 && eventType == "" {
			return false, nil
		}
		payload := data.String()
		eventName := eventType
		eventType = ""
		data.Reset()

		if strings.TrimSpace(payload) == doneSentinel {
			return true, nil
		}
		if eventName == "" {
			eventName = "message"
		}
		select {
		case events <- Event{Type: eventName, Data: json.RawMessage(payload)}:
			return false, nil
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimSuffix(line, "\r")

		switch {
		case line == "":
			done, err := flush()
			if done || err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// Trailing frame without a final blank line.
	_, err := flush()
	return err
}
