package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"fieldops-backend/internal/metadata"
)

// Compiled programs keyed by expression source. Catalogs are immutable, so an
// expression compiles once for the life of the process.
var programCache sync.Map

// EvaluateRules runs the entity's field rules, then its expression rules,
// against the record. old is the current row on update and nil on create.
func EvaluateRules(entity *metadata.Entity, record, old map[string]any, action string) []ErrorDetail {
	if len(entity.Rules) == 0 {
		return nil
	}

	env := map[string]any{
		"record": record,
		"old":    old,
		"action": action,
	}

	var errs []ErrorDetail

	for _, r := range entity.Rules {
		if r.Type != "field" {
			continue
		}
		if detail := EvaluateFieldRule(r, record); detail != nil {
			errs = append(errs, *detail)
			if r.StopOnFail {
				return errs
			}
		}
	}

	for _, r := range entity.Rules {
		if r.Type != "expression" {
			continue
		}
		if detail := EvaluateExpressionRule(r, env); detail != nil {
			errs = append(errs, *detail)
			if r.StopOnFail {
				return errs
			}
		}
	}

	return errs
}

// EvaluateFieldRule evaluates a single field rule against a record.
// Returns nil if the rule passes, or an ErrorDetail if it fails.
func EvaluateFieldRule(rule metadata.Rule, record map[string]any) *ErrorDetail {
	fieldName := rule.Field
	val, exists := record[fieldName]
	if !exists || val == nil {
		return nil // absence is the required-fields check's job
	}

	op := rule.Operator
	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("field %s failed %s validation", fieldName, op)
	}
	fail := &ErrorDetail{Field: fieldName, Rule: op, Message: msg}

	switch op {
	case "min", "max":
		num, ok := toFloat64(val)
		if !ok {
			return nil
		}
		threshold, ok := toFloat64(rule.Value)
		if !ok {
			return nil
		}
		if (op == "min" && num < threshold) || (op == "max" && num > threshold) {
			return fail
		}

	case "min_length", "max_length":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		threshold, ok := toFloat64(rule.Value)
		if !ok {
			return nil
		}
		n := len([]rune(s))
		if (op == "min_length" && n < int(threshold)) || (op == "max_length" && n > int(threshold)) {
			return fail
		}

	case "pattern":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		pattern, ok := rule.Value.(string)
		if !ok {
			return nil
		}
		matched, err := regexp.MatchString(pattern, s)
		if err != nil || !matched {
			return fail
		}
	}

	return nil
}

// CompileExpression compiles an expression string into an expr-lang program.
func CompileExpression(expression string) (*vm.Program, error) {
	if cached, ok := programCache.Load(expression); ok {
		return cached.(*vm.Program), nil
	}
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	programCache.Store(expression, prog)
	return prog, nil
}

// EvaluateExpressionRule evaluates an expression rule against an environment
// of {record, old, action}. A true result is a violation.
func EvaluateExpressionRule(rule metadata.Rule, env map[string]any) *ErrorDetail {
	prog, err := CompileExpression(rule.Expression)
	if err != nil {
		return &ErrorDetail{Rule: "expression", Message: fmt.Sprintf("compile error: %v", err)}
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return &ErrorDetail{Rule: "expression", Message: fmt.Sprintf("rule evaluation error: %v", err)}
	}

	violated, ok := result.(bool)
	if !ok || !violated {
		return nil
	}

	msg := rule.Message
	if msg == "" {
		msg = "Expression rule violated"
	}
	return &ErrorDetail{Field: rule.Field, Rule: "expression", Message: msg}
}

// toFloat64 converts numeric types, and numeric strings as returned by the
// driver for NUMERIC aggregates, to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	f, ok := toFloat64(v)
	return int64(f), ok
}
