package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
)

// rawArgumentsKey wraps unparseable tool-call argument strings so a malformed
// JSON fragment degrades the one call instead of aborting the whole turn.
const rawArgumentsKey = "__raw_arguments__"

const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures an Anthropic client.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
}

// AnthropicClient streams completions through the Anthropic messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates a client from config. Transient API failures are
// retried by the SDK itself.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic model not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	opts = append(opts, option.WithMaxRetries(maxRetries))

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}, nil
}

func (c *AnthropicClient) Model() string { return c.model }

func (c *AnthropicClient) Provider() string { return "anthropic" }

func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	msgs := PrepareMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  convertAnthropicMessages(msgs),
		MaxTokens: int64(c.maxTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if system := systemPrompt(msgs); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk, 64)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

// anthropicStream is the SDK stream surface processStream consumes.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

func (c *AnthropicClient) processStream(ctx context.Context, stream anthropicStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer func() { _ = stream.Close() }()

	send := func(ch Chunk) bool {
		select {
		case chunks <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage Usage

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			usage.CachedTokens = int(messageStart.Message.Usage.CacheReadInputTokens)
			usage.CacheCreationTokens = int(messageStart.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				if !send(ToolCallChunk{
					Index: int(blockStart.Index),
					ID:    toolUse.ID,
					Type:  "function",
					Name:  toolUse.Name,
				}) {
					return
				}
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					if !send(TextChunk{Text: blockDelta.Delta.Text}) {
						return
					}
				}
			case "thinking_delta":
				if blockDelta.Delta.Thinking != "" {
					if !send(ReasoningChunk{Text: blockDelta.Delta.Thinking}) {
						return
					}
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON != "" {
					if !send(ToolCallChunk{
						Index:          int(blockDelta.Index),
						ArgumentsDelta: blockDelta.Delta.PartialJSON,
					}) {
						return
					}
				}
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				reason := "stop"
				if messageDelta.Delta.StopReason == "tool_use" {
					reason = "tool_calls"
				}
				if !send(FinishChunk{Reason: reason}) {
					return
				}
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			send(UsageChunk{Usage: usage})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ErrorChunk{Err: &runnable.ProviderError{Provider: "anthropic", Err: err}})
	}
}

// systemPrompt extracts the leading system message; Anthropic carries it
// outside the message array.
func systemPrompt(msgs []models.Message) string {
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			return m.Content
		}
	}
	return ""
}

func convertAnthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			// Handled separately in params.System.

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(
					tc.ID,
					decodeToolArguments(tc.Function.Arguments),
					tc.Function.Name,
				))
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}

		case models.RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		default:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}
	return result
}

// decodeToolArguments parses a tool-call argument string. Invalid JSON falls
// back to a wrapper object instead of failing the turn.
func decodeToolArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{rawArgumentsKey: raw}
	}
	return args
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, &runnable.ConfigError{Field: "tool." + tool.Name + ".schema", Err: err}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, &runnable.ConfigError{Field: "tool." + tool.Name + ".schema", Err: errors.New("missing tool definition")}
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
