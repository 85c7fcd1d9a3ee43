package flow

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dshills/taskflow-go/flow/store"
)

// Node configuration reaches a handler as the "config" field of the
// task's input payload. Rather than passing untyped maps through the
// engine, each task type has its own configuration schema, decoded once
// at the dispatcher boundary. Decode errors are permanent failures; a
// retry cannot fix a malformed node configuration.

// AutomatedConfig configures an automated task. ActionType selects the
// sub-action.
type AutomatedConfig struct {
	// ActionType is one of "log", "update_entity", "send_email",
	// "webhook". Empty defaults to "log".
	ActionType string `json:"actionType"`

	// Message is logged by the log action.
	Message string `json:"message"`

	// EntityType, EntityID, and Fields drive the update_entity action.
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Fields     map[string]any `json:"fields"`

	// Email configures the send_email action.
	Email *EmailConfig `json:"email"`

	// Webhook configures the webhook action.
	Webhook *WebhookConfig `json:"webhook"`
}

// EmailConfig configures a send_email action or a notification task.
type EmailConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// WebhookConfig configures a webhook delivery.
type WebhookConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    map[string]any    `json:"body"`
}

// LLMConfig configures an llm task.
type LLMConfig struct {
	// Prompt is required; an empty prompt is a permanent failure.
	Prompt string `json:"prompt"`

	// System optionally sets a system message.
	System string `json:"system"`

	// FallbackAction, when set, is returned as a successful result if
	// the provider call fails, so a degraded upstream API does not
	// dead-letter the workflow.
	FallbackAction string `json:"fallbackAction"`
}

// NotificationConfig configures a notification task.
type NotificationConfig struct {
	Channel string         `json:"channel"`
	To      []string       `json:"to"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Meta    map[string]any `json:"meta"`
}

// IntegrationConfig configures an integration task.
type IntegrationConfig struct {
	// Endpoint names an endpoint registered on the IntegrationClient.
	Endpoint string         `json:"endpoint"`
	Payload  map[string]any `json:"payload"`
}

// DataOperationConfig configures a data_operation task.
type DataOperationConfig struct {
	Operation  string         `json:"operation"`
	EntityType string         `json:"entityType"`
	Filter     map[string]any `json:"filter"`
	Fields     map[string]any `json:"fields"`
}

// ImportConfig configures a bulk_import task.
type ImportConfig struct {
	// Format is "csv" or "jsonl" when Data carries encoded text. When
	// Rows is set, records are already decoded.
	Format string           `json:"format"`
	Data   string           `json:"data"`
	Rows   []map[string]any `json:"rows"`
}

// decodeConfig unmarshals the "config" field of a task input into out.
// A missing config decodes to the zero value.
func decodeConfig(input map[string]any, out any) error {
	raw, ok := input["config"]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// taskState returns the state snapshot the advancer stored in the task
// input, or nil.
func taskState(input map[string]any) map[string]any {
	state, _ := input["state"].(map[string]any)
	return state
}

// waitMinutes extracts the wait duration from a wait node's
// configuration. Absent or unparseable values default to 60.
func waitMinutes(config map[string]any) int {
	raw, ok := config["waitMinutes"]
	if !ok {
		return 60
	}
	switch v := raw.(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 60
}

// nodeMaxRetries returns the retry budget (attempts beyond the first)
// for a node's tasks. Human tasks never retry automatically; other types
// default to the engine default when the node does not set a positive
// limit.
func nodeMaxRetries(node *store.Node, defaultRetries int) int {
	if node.Type == store.NodeHumanTask {
		return 0
	}
	if node.MaxRetries > 0 {
		return node.MaxRetries
	}
	if defaultRetries > 0 {
		return defaultRetries
	}
	return 3
}
