package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Keepalive is a zero-payload comment frame. Conforming consumers ignore
// comment lines, so it is safe to write as a liveness probe.
var Keepalive = []byte(": keepalive\n\n")

// Encode renders a named event with a JSON payload as a server-sent-events
// frame: an "event:" line, a "data:" line, and a terminating blank line.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(event) + len(data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
