package domain

import "encoding/json"

// Chat message roles as used on the wire and in the persisted history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// FunctionDefinition describes one callable capability presented to the
// model: a name, a short description, and a JSON schema for the arguments.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FunctionCall is a capability invocation requested by the model: the
// capability name plus its arguments as raw JSON text.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatMessage is the provider-agnostic chat message shape used by the
// orchestrator and the LLM integration. Name is set only on function-result
// messages; FunctionCall only on assistant messages requesting a capability.
type ChatMessage struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}
