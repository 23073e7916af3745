package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidExpression = errors.New("invalid expression")
	ErrPathNotFound      = errors.New("path not found")
)

// EvaluateBool evaluates a conditional edge expression against the
// completed-node context and reduces the result to a truth value. Supported
// forms are a bare dotted path ("check.ok") and a single comparison
// ("check.status == 200"). Anything richer belongs in node executors.
func EvaluateBool(expression string, data map[string]any) (bool, error) {
	result, err := Evaluate(expression, data)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// Evaluate resolves a path or comparison expression.
func Evaluate(expression string, data map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, ErrInvalidExpression
	}

	if op, lhs, rhs, ok := splitComparison(expression); ok {
		left, err := resolveOperand(lhs, data)
		if err != nil {
			return nil, err
		}
		right, err := resolveOperand(rhs, data)
		if err != nil {
			return nil, err
		}
		return compare(op, left, right)
	}

	return resolvePath(expression, data)
}

var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

func splitComparison(expression string) (op, lhs, rhs string, ok bool) {
	for _, candidate := range comparisonOps {
		if idx := strings.Index(expression, candidate); idx > 0 {
			return candidate,
				strings.TrimSpace(expression[:idx]),
				strings.TrimSpace(expression[idx+len(candidate):]),
				true
		}
	}
	return "", "", "", false
}

func resolveOperand(operand string, data map[string]any) (any, error) {
	if len(operand) >= 2 {
		if (operand[0] == '"' && operand[len(operand)-1] == '"') ||
			(operand[0] == '\'' && operand[len(operand)-1] == '\'') {
			return operand[1 : len(operand)-1], nil
		}
	}
	if operand == "true" {
		return true, nil
	}
	if operand == "false" {
		return false, nil
	}
	if operand == "null" {
		return nil, nil
	}
	if n, err := strconv.ParseFloat(operand, 64); err == nil {
		return n, nil
	}
	return resolvePath(operand, data)
}

func resolvePath(path string, data map[string]any) (any, error) {
	path = strings.TrimPrefix(path, "$.")
	var current any = data
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
	}
	return current, nil
}

func compare(op string, left, right any) (any, error) {
	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if lok && rok {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		}
	}

	switch op {
	case "==":
		return fmt.Sprint(left) == fmt.Sprint(right), nil
	case "!=":
		return fmt.Sprint(left) != fmt.Sprint(right), nil
	default:
		return nil, fmt.Errorf("%w: operator %q needs numeric operands", ErrInvalidExpression, op)
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}
