package llm

import "github.com/runwire/runwire/pkg/models"

// PrepareMessages applies the reasoning-content rules for reasoning-capable
// models before a turn is sent:
//   - when the last message is a new user turn, reasoning content is stripped
//     from all prior assistant messages (providers reject stale reasoning on
//     fresh turns);
//   - when the last message continues an exchange (tool result or assistant),
//     prior reasoning is preserved verbatim.
//
// Providers that want an explicit reasoning_content null on continuation
// turns do not get one: the adapters drop the empty field instead of sending
// null, which the OpenAI-compatible APIs accept. Emitting a real null would
// need a pointer-typed field through Message and both adapters.
//
// The input is never mutated.
func PrepareMessages(msgs []models.Message) []models.Message {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)

	if out[len(out)-1].Role == models.RoleUser {
		for i := range out {
			if out[i].Role == models.RoleAssistant {
				out[i].ReasoningContent = ""
			}
		}
	}
	return out
}
