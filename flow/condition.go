package flow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/taskflow-go/flow/store"
)

// Comparison is the parsed form of an expression condition: a single
// binary comparison between a state field and a literal.
//
// Expressions are parsed and validated when a definition is published
// (ValidateDefinition), not at evaluation time, so a malformed condition
// is rejected before it can stall an instance.
type Comparison struct {
	// Field names the key looked up in the state bag.
	Field string

	// Op is one of ==, !=, >, <, >=, <=.
	Op string

	// Literal is the right-hand side, compared as a number when both
	// sides parse as numbers.
	Literal string
}

// comparison operators, longest first so ">=" is not read as ">".
var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// ParseComparison parses "field OP literal" into a Comparison.
func ParseComparison(input string) (Comparison, error) {
	for _, op := range comparisonOps {
		idx := strings.Index(input, op)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(input[:idx])
		literal := strings.TrimSpace(input[idx+len(op):])
		if field == "" {
			return Comparison{}, fmt.Errorf("comparison %q: missing field", input)
		}
		if literal == "" {
			return Comparison{}, fmt.Errorf("comparison %q: missing literal", input)
		}
		literal = strings.Trim(literal, `"'`)
		return Comparison{Field: field, Op: op, Literal: literal}, nil
	}
	return Comparison{}, fmt.Errorf("comparison %q: no operator found (expected one of %s)",
		input, strings.Join(comparisonOps, " "))
}

// Evaluate reports whether the comparison holds against the state bag.
//
// Equality operators compare numerically when both sides parse as
// numbers, otherwise as case-sensitive strings. Ordering operators
// require both sides to be numeric; if either is not, the comparison is
// not satisfied.
func (c Comparison) Evaluate(state map[string]any) bool {
	raw, ok := state[c.Field]
	if !ok {
		return false
	}
	left := stringify(raw)

	ln, lerr := strconv.ParseFloat(left, 64)
	rn, rerr := strconv.ParseFloat(c.Literal, 64)
	numeric := lerr == nil && rerr == nil

	switch c.Op {
	case "==":
		if numeric {
			return ln == rn
		}
		return left == c.Literal
	case "!=":
		if numeric {
			return ln != rn
		}
		return left != c.Literal
	case ">":
		return numeric && ln > rn
	case "<":
		return numeric && ln < rn
	case ">=":
		return numeric && ln >= rn
	case "<=":
		return numeric && ln <= rn
	}
	return false
}

// ParseFieldMatch parses a field_match payload: comma-separated
// field=value pairs, e.g. "status=approved,tier=gold".
func ParseFieldMatch(input string) (map[string]string, error) {
	pairs := strings.Split(input, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("field_match %q: expected field=value pairs", input)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("field_match %q: no pairs", input)
	}
	return out, nil
}

// evaluateFieldMatch reports whether every pair matches the state bag,
// comparing values case-insensitively.
func evaluateFieldMatch(pairs map[string]string, state map[string]any) bool {
	for field, want := range pairs {
		raw, ok := state[field]
		if !ok {
			return false
		}
		if !strings.EqualFold(stringify(raw), want) {
			return false
		}
	}
	return true
}

// ScriptCache compiles and caches expr programs for script conditions.
// Compilation happens once per expression source; evaluation reuses the
// compiled program. Safe for concurrent use.
type ScriptCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewScriptCache creates an empty ScriptCache.
func NewScriptCache() *ScriptCache {
	return &ScriptCache{programs: make(map[string]*vm.Program)}
}

// Compile returns the compiled program for source, compiling and caching
// it on first use. The program must evaluate to a boolean.
func (sc *ScriptCache) Compile(source string) (*vm.Program, error) {
	sc.mu.RLock()
	program, ok := sc.programs[source]
	sc.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("script %q: %w", source, err)
	}

	sc.mu.Lock()
	sc.programs[source] = program
	sc.mu.Unlock()
	return program, nil
}

// Evaluate runs the script against the state bag and reports the boolean
// result. A runtime error counts as not satisfied and is returned for
// logging.
func (sc *ScriptCache) Evaluate(source string, state map[string]any) (bool, error) {
	program, err := sc.Compile(source)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, state)
	if err != nil {
		return false, fmt.Errorf("script %q: %w", source, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("script %q: result is %T, want bool", source, out)
	}
	return result, nil
}

// SelectTransition picks the outgoing transition to follow after a task
// completes at a node.
//
// Transitions are evaluated in ascending priority order; the first whose
// condition is satisfied wins. If none is satisfied the transition
// flagged IsDefault is used. Returns nil when no transition applies.
//
// The function is pure: given the same transitions, state bag, and task
// output it always returns the same edge. User-choice conditions compare
// against the "userChoice" field of the task's own output, not the
// merged state.
func SelectTransition(transitions []store.Transition, state, taskOutput map[string]any, scripts *ScriptCache) *store.Transition {
	ordered := make([]store.Transition, len(transitions))
	copy(ordered, transitions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for i := range ordered {
		tr := &ordered[i]
		if satisfied(tr, state, taskOutput, scripts) {
			return tr
		}
	}
	for i := range ordered {
		if ordered[i].IsDefault {
			return &ordered[i]
		}
	}
	return nil
}

func satisfied(tr *store.Transition, state, taskOutput map[string]any, scripts *ScriptCache) bool {
	switch tr.Condition {
	case store.ConditionAlways:
		return true
	case store.ConditionExpression:
		cmp, err := ParseComparison(tr.Expression)
		if err != nil {
			return false
		}
		return cmp.Evaluate(state)
	case store.ConditionFieldMatch:
		pairs, err := ParseFieldMatch(tr.Expression)
		if err != nil {
			return false
		}
		return evaluateFieldMatch(pairs, state)
	case store.ConditionUserChoice:
		choice, ok := taskOutput["userChoice"]
		if !ok {
			return false
		}
		return strings.EqualFold(stringify(choice), strings.TrimSpace(tr.Expression))
	case store.ConditionScript:
		if scripts == nil {
			return false
		}
		ok, err := scripts.Evaluate(tr.Expression, state)
		return err == nil && ok
	}
	return false
}

// stringify renders a state value for comparison. JSON round-trips store
// numbers as float64; trim the trailing ".0" so 3.0 matches "3".
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
