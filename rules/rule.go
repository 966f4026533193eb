package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating guard expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Variables are resolved at run time, so an expression may reference keys
// that are absent from a particular instance's data (they evaluate to nil).
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions map[string]func(env map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		functions: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a derived value under name. f is called with the
// evaluation environment before every evaluation.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = f
}

// Compile checks that expression parses. It is used when validating
// definitions so syntax errors surface at registration time.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against a copy of env.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	scope := make(map[string]interface{}, len(env)+len(e.functions))
	for k, v := range env {
		scope[k] = v
	}
	e.mu.RLock()
	for k, f := range e.functions {
		scope[k] = f(env)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
