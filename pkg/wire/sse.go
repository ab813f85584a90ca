package wire

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteSSE writes one event as a Server-Sent Events frame:
// "data: <json>\n\n". The JSON shape mirrors Event directly.
func WriteSSE(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event for SSE: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	return nil
}
