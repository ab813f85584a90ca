package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_IsTerminalAssistant(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want bool
	}{
		{
			name: "assistant with content and no tool calls",
			step: Step{Role: RoleAssistant, Content: "done"},
			want: true,
		},
		{
			name: "assistant with tool calls",
			step: Step{Role: RoleAssistant, Content: "calling", ToolCalls: []ToolCall{{ID: "c1"}}},
			want: false,
		},
		{
			name: "assistant with empty content",
			step: Step{Role: RoleAssistant},
			want: false,
		},
		{
			name: "user step",
			step: Step{Role: RoleUser, Content: "hi"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.step.IsTerminalAssistant())
		})
	}
}

func TestStep_Clone(t *testing.T) {
	s := &Step{
		ID:        "s1",
		SessionID: "sess",
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "c1", Function: FunctionCall{Name: "echo", Arguments: "{}"}}},
	}
	c := s.Clone()
	c.ToolCalls[0].ID = "changed"
	assert.Equal(t, "c1", s.ToolCalls[0].ID)
}

func TestStepMessageRoundTrip(t *testing.T) {
	id := StepIdentity{
		ID: "s1", SessionID: "sess", RunID: "run", Sequence: 3,
		RunnableID: "agent-1", RunnableType: RunnableTypeAgent,
		WorkflowID: "wf", NodeID: "n1", Depth: 2,
	}
	steps := []*Step{
		MessageToStep(Message{Role: RoleUser, Content: "question"}, id),
		MessageToStep(Message{
			Role:             RoleAssistant,
			Content:          "let me check",
			ReasoningContent: "hmm",
			ToolCalls:        []ToolCall{{ID: "c1", Type: "function", Function: FunctionCall{Name: "echo", Arguments: `{"a":1}`}}},
		}, id),
		MessageToStep(Message{Role: RoleTool, Content: "result", ToolCallID: "c1", Name: "echo"}, id),
	}

	for _, s := range steps {
		m := StepToMessage(s)
		back := MessageToStep(m, id)
		back.CreatedAt = s.CreatedAt
		require.Equal(t, s, back)
	}
}

func TestStepToMessage_DropsToolFieldsByRole(t *testing.T) {
	// A user step with stray tool fields must not leak them into the message.
	s := &Step{Role: RoleUser, Content: "q", ToolCallID: "c9", Name: "stray"}
	m := StepToMessage(s)
	assert.Empty(t, m.ToolCallID)
	assert.Empty(t, m.Name)
}

func TestConversation(t *testing.T) {
	c := NewConversation("be helpful", []Message{{Role: RoleUser, Content: "earlier"}}, "now")
	require.Equal(t, 3, c.Len())

	c.AppendAssistant("checking", "", []ToolCall{{ID: "c1"}})
	c.AppendToolResult("c1", "echo", "ok")
	c.AppendAssistant("done", "", nil)

	msgs := c.Messages()
	require.Len(t, msgs, 6)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "now", msgs[2].Content)
	assert.Equal(t, "c1", msgs[4].ToolCallID)

	// Mutating the returned slice must not affect the conversation.
	msgs[0].Content = "mutated"
	assert.Equal(t, "be helpful", c.Messages()[0].Content)
}

func TestNewConversation_OmitsEmptyParts(t *testing.T) {
	c := NewConversation("", nil, "hi")
	require.Equal(t, 1, c.Len())
	assert.Equal(t, RoleUser, c.Messages()[0].Role)
}
