package flow

import (
	"testing"

	"github.com/dshills/taskflow-go/flow/store"
)

func TestWaitMinutes(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		want   int
	}{
		{"absent defaults", map[string]any{}, 60},
		{"number", map[string]any{"waitMinutes": float64(15)}, 15},
		{"int", map[string]any{"waitMinutes": 5}, 5},
		{"numeric string", map[string]any{"waitMinutes": "45"}, 45},
		{"unparseable defaults", map[string]any{"waitMinutes": "soon"}, 60},
		{"zero defaults", map[string]any{"waitMinutes": float64(0)}, 60},
		{"negative defaults", map[string]any{"waitMinutes": float64(-3)}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := waitMinutes(tt.config); got != tt.want {
				t.Errorf("waitMinutes(%v) = %d, want %d", tt.config, got, tt.want)
			}
		})
	}
}

func TestDecodeConfig(t *testing.T) {
	input := map[string]any{
		"config": map[string]any{
			"actionType": "webhook",
			"webhook": map[string]any{
				"url":     "https://example.com/hook",
				"method":  "POST",
				"headers": map[string]any{"X-Token": "abc"},
			},
		},
	}

	var cfg AutomatedConfig
	if err := decodeConfig(input, &cfg); err != nil {
		t.Fatalf("decodeConfig: %v", err)
	}
	if cfg.ActionType != "webhook" {
		t.Errorf("actionType = %q", cfg.ActionType)
	}
	if cfg.Webhook == nil || cfg.Webhook.URL != "https://example.com/hook" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if cfg.Webhook.Headers["X-Token"] != "abc" {
		t.Errorf("headers = %v", cfg.Webhook.Headers)
	}

	t.Run("missing config is zero value", func(t *testing.T) {
		var empty LLMConfig
		if err := decodeConfig(map[string]any{}, &empty); err != nil {
			t.Fatalf("decodeConfig: %v", err)
		}
		if empty.Prompt != "" {
			t.Errorf("prompt = %q", empty.Prompt)
		}
	})
}

func TestNodeMaxRetries(t *testing.T) {
	tests := []struct {
		name string
		node store.Node
		want int
	}{
		{"human never retries", store.Node{Type: store.NodeHumanTask, MaxRetries: 5}, 0},
		{"node setting wins", store.Node{Type: store.NodeAutomated, MaxRetries: 7}, 7},
		{"engine default", store.Node{Type: store.NodeAutomated}, 4},
		{"fallback when no default", store.Node{Type: store.NodeLLMAction}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nodeMaxRetries(&tt.node, 4); got != tt.want {
				t.Errorf("nodeMaxRetries = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTaskPriority(t *testing.T) {
	if got := taskPriority(nil); got != 100 {
		t.Errorf("default priority = %d, want 100", got)
	}
	if got := taskPriority(map[string]any{"priority": float64(5)}); got != 5 {
		t.Errorf("priority = %d, want 5", got)
	}
}
