package playbook

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vigil-sh/vigil/pkg/errors"
)

// Evaluator evaluates condition expressions against an execution context
// snapshot. Compiled programs are cached for repeated evaluation.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses) the expression and runs it against the
// context. Empty expressions default to true.
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %v", err),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	result, err := expr.Run(program, ctx)
	if err != nil {
		return false, errors.Wrap(err, "evaluating expression")
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("expression must evaluate to a boolean, got %T", result),
		}
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// Comparison operators for the structured condition form.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpContains     = "contains"
	OpMatches      = "matches"
)

// Compare applies an operator to a context value and an expected value.
func Compare(actual any, operator string, expected any) (bool, error) {
	switch operator {
	case OpEqual:
		return equalValues(actual, expected), nil
	case OpNotEqual:
		return !equalValues(actual, expected), nil
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, &errors.ValidationError{
				Field:   "operator",
				Message: fmt.Sprintf("operator %s requires numeric operands", operator),
			}
		}
		switch operator {
		case OpLess:
			return a < b, nil
		case OpLessEqual:
			return a <= b, nil
		case OpGreater:
			return a > b, nil
		default:
			return a >= b, nil
		}
	case OpContains:
		return strings.Contains(toString(actual), toString(expected)), nil
	case OpMatches:
		re, err := regexp.Compile(toString(expected))
		if err != nil {
			return false, &errors.ValidationError{
				Field:   "value",
				Message: fmt.Sprintf("invalid pattern: %v", err),
			}
		}
		return re.MatchString(toString(actual)), nil
	default:
		return false, &errors.ValidationError{
			Field:      "operator",
			Message:    fmt.Sprintf("unknown operator: %s", operator),
			Suggestion: "use one of: ==, !=, <, <=, >, >=, contains, matches",
		}
	}
}

func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
