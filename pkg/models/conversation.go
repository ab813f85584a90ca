package models

// Conversation encapsulates the mutable message list an agent loop builds up
// across iterations. Appends are explicit; projection to the provider-neutral
// message list is a copy, so callers cannot alias the internal slice.
type Conversation struct {
	msgs []Message
}

// NewConversation seeds a conversation with an optional system prompt,
// prior history and the new user input.
func NewConversation(system string, history []Message, userInput string) *Conversation {
	c := &Conversation{}
	if system != "" {
		c.msgs = append(c.msgs, Message{Role: RoleSystem, Content: system})
	}
	c.msgs = append(c.msgs, history...)
	if userInput != "" {
		c.msgs = append(c.msgs, Message{Role: RoleUser, Content: userInput})
	}
	return c
}

// AppendAssistant records an assistant turn, optionally carrying tool calls.
func (c *Conversation) AppendAssistant(content, reasoning string, toolCalls []ToolCall) {
	c.msgs = append(c.msgs, Message{
		Role:             RoleAssistant,
		Content:          content,
		ReasoningContent: reasoning,
		ToolCalls:        toolCalls,
	})
}

// AppendToolResult records one tool result message. The agent loop appends
// exactly one per requested tool call so the conversation stays well-formed.
func (c *Conversation) AppendToolResult(toolCallID, name, content string) {
	c.msgs = append(c.msgs, Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Name:       name,
	})
}

// AppendUser records a user turn.
func (c *Conversation) AppendUser(content string) {
	c.msgs = append(c.msgs, Message{Role: RoleUser, Content: content})
}

// Messages returns a copy of the conversation in order.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	return len(c.msgs)
}
