package models

// Message is the provider-neutral LLM message shape. It is what Steps project
// to before a model call and what providers convert to their own wire format.
type Message struct {
	Role             Role       `json:"role"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	Name             string     `json:"name,omitempty"`
}

// StepIdentity carries the identity and binding fields needed to construct a
// Step from a Message. Projection strips these; construction restores them.
type StepIdentity struct {
	ID           string
	SessionID    string
	RunID        string
	Sequence     int
	RunnableID   string
	RunnableType RunnableType
	WorkflowID   string
	NodeID       string
	BranchKey    string
	Iteration    int
	ParentRunID  string
	ParentSpanID string
	Depth        int
}

// StepToMessage projects a Step to its LLM message. The projection is pure:
// identity, binding and metrics fields are dropped, role-specific content is
// preserved verbatim.
func StepToMessage(s *Step) Message {
	m := Message{
		Role:             s.Role,
		Content:          s.Content,
		ReasoningContent: s.ReasoningContent,
	}
	switch s.Role {
	case RoleAssistant:
		if len(s.ToolCalls) > 0 {
			m.ToolCalls = make([]ToolCall, len(s.ToolCalls))
			copy(m.ToolCalls, s.ToolCalls)
		}
	case RoleTool:
		m.ToolCallID = s.ToolCallID
		m.Name = s.Name
	}
	return m
}

// StepsToMessages projects an already-ordered Step list to LLM messages.
// Ordering responsibility lies with the caller's filter.
func StepsToMessages(steps []*Step) []Message {
	msgs := make([]Message, 0, len(steps))
	for _, s := range steps {
		msgs = append(msgs, StepToMessage(s))
	}
	return msgs
}

// MessageToStep constructs a Step from an LLM message plus identity fields.
// Inverse of StepToMessage up to identity and metrics.
func MessageToStep(m Message, id StepIdentity) *Step {
	s := &Step{
		ID:               id.ID,
		SessionID:        id.SessionID,
		RunID:            id.RunID,
		Sequence:         id.Sequence,
		Role:             m.Role,
		Content:          m.Content,
		ReasoningContent: m.ReasoningContent,
		RunnableID:       id.RunnableID,
		RunnableType:     id.RunnableType,
		WorkflowID:       id.WorkflowID,
		NodeID:           id.NodeID,
		BranchKey:        id.BranchKey,
		Iteration:        id.Iteration,
		ParentRunID:      id.ParentRunID,
		ParentSpanID:     id.ParentSpanID,
		Depth:            id.Depth,
	}
	if s.ID == "" {
		s.ID = NewStepID()
	}
	switch m.Role {
	case RoleAssistant:
		if len(m.ToolCalls) > 0 {
			s.ToolCalls = make([]ToolCall, len(m.ToolCalls))
			copy(s.ToolCalls, m.ToolCalls)
		}
	case RoleTool:
		s.ToolCallID = m.ToolCallID
		s.Name = m.Name
	}
	return s
}
