package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate evaluates the given expression against env, which is never modified.
// An empty expression or "true" is always true. Programs are compiled without a typed
// environment so the same expression can run against inputs of varying shape.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" || expression == "true" {
		return true, nil
	}

	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	local := make(map[string]interface{}, len(env))
	for k, v := range env {
		local[k] = v
	}

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, local)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
