package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
)

// OpenAIConfig configures an OpenAI-compatible client. BaseURL covers
// OpenAI-compatible gateways (DeepSeek, vLLM, OpenRouter).
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries uint64
}

// OpenAIClient streams completions through the OpenAI chat API.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	maxTokens  int
	maxRetries uint64
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client from config.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: maxRetries,
	}, nil
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) Provider() string { return "openai" }

func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertOpenAIMessages(PrepareMessages(req.Messages)),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if c.maxTokens > 0 {
		chatReq.MaxTokens = c.maxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := retryStart(ctx, c.maxRetries, func() (*openai.ChatCompletionStream, error) {
		return c.client.CreateChatCompletionStream(ctx, chatReq)
	})
	if err != nil {
		return nil, &runnable.ProviderError{Provider: "openai", Err: err}
	}

	chunks := make(chan Chunk, 64)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	send := func(ch Chunk) bool {
		select {
		case chunks <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				send(ErrorChunk{Err: &runnable.ProviderError{Provider: "openai", Err: err}})
			}
			return
		}

		// The final usage frame has no choices when stream_options is set.
		if response.Usage != nil {
			u := response.Usage
			usage := Usage{
				InputTokens:  u.PromptTokens,
				OutputTokens: u.CompletionTokens,
				TotalTokens:  u.TotalTokens,
			}
			if u.PromptTokensDetails != nil {
				usage.CachedTokens = u.PromptTokensDetails.CachedTokens
			}
			if !send(UsageChunk{Usage: usage}) {
				return
			}
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !send(TextChunk{Text: delta.Content}) {
				return
			}
		}
		if delta.ReasoningContent != "" {
			if !send(ReasoningChunk{Text: delta.ReasoningContent}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			frag := ToolCallChunk{
				Index:          index,
				ID:             tc.ID,
				Type:           string(tc.Type),
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			}
			if !send(frag) {
				return
			}
		}
		if choice.FinishReason != "" {
			if !send(FinishChunk{Reason: string(choice.FinishReason)}) {
				return
			}
		}
	}
}

func convertOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg.ReasoningContent = msg.ReasoningContent
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					}
				}
			}
		case models.RoleTool:
			oaiMsg.ToolCallID = msg.ToolCallID
			oaiMsg.Name = msg.Name
		}
		result = append(result, oaiMsg)
	}
	return result
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// One bad schema must not break the whole turn.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
