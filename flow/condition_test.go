package flow

import (
	"testing"

	"github.com/dshills/taskflow-go/flow/store"
)

func TestParseComparison(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Comparison
		wantErr bool
	}{
		{
			name:  "equality",
			input: "status == approved",
			want:  Comparison{Field: "status", Op: "==", Literal: "approved"},
		},
		{
			name:  "quoted literal",
			input: `tier == "gold"`,
			want:  Comparison{Field: "tier", Op: "==", Literal: "gold"},
		},
		{
			name:  "greater or equal before greater",
			input: "amount >= 100",
			want:  Comparison{Field: "amount", Op: ">=", Literal: "100"},
		},
		{
			name:  "less than",
			input: "count<5",
			want:  Comparison{Field: "count", Op: "<", Literal: "5"},
		},
		{name: "no operator", input: "status approved", wantErr: true},
		{name: "missing field", input: "== approved", wantErr: true},
		{name: "missing literal", input: "status ==", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseComparison(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseComparison(%q) = %+v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseComparison(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseComparison(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestComparisonEvaluate(t *testing.T) {
	state := map[string]any{
		"status": "approved",
		"amount": float64(150),
		"name":   "Ada",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", "status == approved", true},
		{"string inequality", "status != rejected", true},
		{"numeric equality", "amount == 150", true},
		{"numeric greater", "amount > 100", true},
		{"numeric less fails", "amount < 100", false},
		{"numeric gte boundary", "amount >= 150", true},
		{"ordering on non-numeric not satisfied", "name > 100", false},
		{"missing field not satisfied", "missing == x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmp, err := ParseComparison(tt.expr)
			if err != nil {
				t.Fatalf("ParseComparison(%q): %v", tt.expr, err)
			}
			if got := cmp.Evaluate(state); got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseFieldMatch(t *testing.T) {
	pairs, err := ParseFieldMatch("status=approved, tier=gold")
	if err != nil {
		t.Fatalf("ParseFieldMatch: %v", err)
	}
	if pairs["status"] != "approved" || pairs["tier"] != "gold" {
		t.Errorf("unexpected pairs: %v", pairs)
	}

	if _, err := ParseFieldMatch("no pairs here"); err == nil {
		t.Error("expected error for payload without =")
	}
	if _, err := ParseFieldMatch(""); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestFieldMatchCaseInsensitive(t *testing.T) {
	pairs := map[string]string{"status": "Approved"}
	if !evaluateFieldMatch(pairs, map[string]any{"status": "APPROVED"}) {
		t.Error("field match should compare values case-insensitively")
	}
	if evaluateFieldMatch(pairs, map[string]any{"status": "rejected"}) {
		t.Error("mismatched value should not match")
	}
	if evaluateFieldMatch(pairs, map[string]any{}) {
		t.Error("missing field should not match")
	}
}

func TestScriptCache(t *testing.T) {
	cache := NewScriptCache()

	ok, err := cache.Evaluate(`amount > 100 && status == "approved"`, map[string]any{
		"amount": 150,
		"status": "approved",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("script should be satisfied")
	}

	// Second evaluation reuses the compiled program.
	ok, err = cache.Evaluate(`amount > 100 && status == "approved"`, map[string]any{
		"amount": 50,
		"status": "approved",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Error("script should not be satisfied")
	}

	if _, err := cache.Compile("this is not a valid program ((("); err == nil {
		t.Error("expected compile error")
	}
}

func TestSelectTransition(t *testing.T) {
	transitions := []store.Transition{
		{ID: "t-default", FromNodeID: "review", ToNodeID: "manual", Priority: 2, Condition: store.ConditionAlways, IsDefault: true},
		{ID: "t-approved", FromNodeID: "review", ToNodeID: "fulfil", Priority: 1, Condition: store.ConditionFieldMatch, Expression: "status=approved"},
	}

	t.Run("first satisfied by priority", func(t *testing.T) {
		tr := SelectTransition(transitions, map[string]any{"status": "approved"}, nil, nil)
		if tr == nil || tr.ID != "t-approved" {
			t.Fatalf("got %+v, want t-approved", tr)
		}
	})

	t.Run("default as fallback", func(t *testing.T) {
		// The default edge has condition always, so it also wins the
		// ordered scan when nothing with higher priority matches.
		tr := SelectTransition(transitions, map[string]any{"status": "rejected"}, nil, nil)
		if tr == nil || tr.ID != "t-default" {
			t.Fatalf("got %+v, want t-default", tr)
		}
	})

	t.Run("explicit default flag when nothing satisfied", func(t *testing.T) {
		conditional := []store.Transition{
			{ID: "a", Priority: 1, Condition: store.ConditionExpression, Expression: "x == 1"},
			{ID: "b", Priority: 2, Condition: store.ConditionExpression, Expression: "x == 2", IsDefault: true},
		}
		tr := SelectTransition(conditional, map[string]any{"x": float64(9)}, nil, nil)
		if tr == nil || tr.ID != "b" {
			t.Fatalf("got %+v, want default b", tr)
		}
	})

	t.Run("none applies", func(t *testing.T) {
		conditional := []store.Transition{
			{ID: "a", Priority: 1, Condition: store.ConditionExpression, Expression: "x == 1"},
		}
		if tr := SelectTransition(conditional, map[string]any{"x": float64(9)}, nil, nil); tr != nil {
			t.Fatalf("got %+v, want nil", tr)
		}
	})

	t.Run("user choice reads task output not state", func(t *testing.T) {
		choice := []store.Transition{
			{ID: "approve", Priority: 1, Condition: store.ConditionUserChoice, Expression: "approve"},
			{ID: "reject", Priority: 2, Condition: store.ConditionUserChoice, Expression: "reject"},
		}
		state := map[string]any{"userChoice": "reject"} // must be ignored
		taskOut := map[string]any{"userChoice": "Approve"}
		tr := SelectTransition(choice, state, taskOut, nil)
		if tr == nil || tr.ID != "approve" {
			t.Fatalf("got %+v, want approve", tr)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		state := map[string]any{"status": "approved"}
		first := SelectTransition(transitions, state, nil, nil)
		for i := 0; i < 50; i++ {
			got := SelectTransition(transitions, state, nil, nil)
			if got == nil || got.ID != first.ID {
				t.Fatalf("iteration %d: got %+v, want %s", i, got, first.ID)
			}
		}
	})
}
