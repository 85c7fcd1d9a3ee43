package flow

import (
	"fmt"
	"strings"

	"github.com/dshills/taskflow-go/flow/store"
)

// ValidationError collects everything wrong with a definition so authors
// see all problems at once instead of fixing them one publish at a time.
type ValidationError struct {
	DefinitionID string
	Problems     []string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("definition %s invalid: %s",
		e.DefinitionID, strings.Join(e.Problems, "; "))
}

// ValidateDefinition checks a definition at publish time.
//
// It verifies graph shape (start node exists, edges reference known
// nodes, non-end nodes can be left, at most one default edge per node)
// and parses every transition condition, so malformed expressions are
// caught before any instance can reach them.
func ValidateDefinition(def *store.Definition, scripts *ScriptCache) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if def.ID == "" {
		addf("missing id")
	}
	if def.Version <= 0 {
		addf("version must be positive, got %d", def.Version)
	}
	if len(def.Nodes) == 0 {
		addf("no nodes")
	}

	nodes := make(map[string]*store.Node, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			addf("node %d: missing id", i)
			continue
		}
		if _, dup := nodes[node.ID]; dup {
			addf("node %s: duplicate id", node.ID)
			continue
		}
		nodes[node.ID] = node
	}

	if def.StartNodeID == "" {
		addf("missing start node")
	} else if _, ok := nodes[def.StartNodeID]; !ok {
		addf("start node %s not defined", def.StartNodeID)
	}

	outgoing := make(map[string]int)
	defaults := make(map[string]int)
	for i := range def.Transitions {
		tr := &def.Transitions[i]
		label := tr.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if _, ok := nodes[tr.FromNodeID]; !ok {
			addf("transition %s: unknown source node %s", label, tr.FromNodeID)
		}
		if _, ok := nodes[tr.ToNodeID]; !ok {
			addf("transition %s: unknown target node %s", label, tr.ToNodeID)
		}
		outgoing[tr.FromNodeID]++
		if tr.IsDefault {
			defaults[tr.FromNodeID]++
		}

		switch tr.Condition {
		case store.ConditionAlways:
			// no payload
		case store.ConditionExpression:
			if _, err := ParseComparison(tr.Expression); err != nil {
				addf("transition %s: %v", label, err)
			}
		case store.ConditionFieldMatch:
			if _, err := ParseFieldMatch(tr.Expression); err != nil {
				addf("transition %s: %v", label, err)
			}
		case store.ConditionUserChoice:
			if strings.TrimSpace(tr.Expression) == "" {
				addf("transition %s: user_choice requires a choice value", label)
			}
		case store.ConditionScript:
			if scripts == nil {
				scripts = NewScriptCache()
			}
			if _, err := scripts.Compile(tr.Expression); err != nil {
				addf("transition %s: %v", label, err)
			}
		default:
			addf("transition %s: unknown condition type %q", label, tr.Condition)
		}
	}

	for id, node := range nodes {
		if node.IsEnd {
			continue
		}
		if outgoing[id] == 0 {
			addf("node %s: no outgoing transitions and not an end node", id)
		}
	}
	for id, n := range defaults {
		if n > 1 {
			addf("node %s: %d default transitions, want at most 1", id, n)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{DefinitionID: def.ID, Problems: problems}
	}
	return nil
}
