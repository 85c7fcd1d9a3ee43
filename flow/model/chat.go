// Package model provides LLM integration adapters for llm_action nodes.
package model

import "context"

// ChatModel is the interface llm_action handlers use to talk to a provider.
//
// Implementations convert the standard Message format to the provider's
// request shape, parse the response back into ChatOut, and respect context
// cancellation. Provider adapters live in the subpackages anthropic, openai,
// and google; MockChatModel serves tests.
type ChatModel interface {
	// Chat sends the conversation to the provider and returns its response.
	// tools may be nil when the node does not expose any tools.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single turn in an LLM conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard role constants, aligned with the conventions used by the major
// providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the LLM may call. Schema follows JSON Schema
// and describes the expected input parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is the provider's response. An LLM may answer with text, with
// tool calls, or with both.
type ChatOut struct {
	// Text is the generated response. Empty when the model only wants to
	// call tools.
	Text string

	// ToolCalls lists tools the model wants invoked.
	ToolCalls []ToolCall
}

// ToolCall is a request from the LLM to invoke a specific tool.
type ToolCall struct {
	// Name matches a ToolSpec.Name from the available tools.
	Name string

	// Input holds the call parameters, shaped per the tool's Schema.
	Input map[string]interface{}
}
