package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EchoTool returns its input text. Deterministic and cacheable; useful as a
// smoke-test tool and in integration tests.
type EchoTool struct{}

var _ Tool = (*EchoTool)(nil)

func (EchoTool) Name() string { return "echo" }

func (EchoTool) Description() string {
	return "Returns the given text unchanged."
}

func (EchoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "Text to echo back"}
		},
		"required": ["text"]
	}`)
}

func (EchoTool) Cacheable() bool { return true }

func (EchoTool) ConcurrencySafe() bool { return true }

func (EchoTool) Execute(_ context.Context, inv *Invocation) (any, error) {
	text, ok := inv.Args["text"].(string)
	if !ok {
		return nil, fmt.Errorf("text must be a string")
	}
	return text, nil
}

// ClockTool reports the current time. Not cacheable for obvious reasons.
type ClockTool struct {
	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

var _ Tool = (*ClockTool)(nil)

func (ClockTool) Name() string { return "clock" }

func (ClockTool) Description() string {
	return "Returns the current time in RFC 3339 format."
}

func (ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (ClockTool) Cacheable() bool { return false }

func (ClockTool) ConcurrencySafe() bool { return true }

func (c ClockTool) Execute(context.Context, *Invocation) (any, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().UTC().Format(time.RFC3339), nil
}
