package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean check expressions against an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr. Compiled programs
// are cached per expression.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions []expr.Option
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// AddFunction makes fn callable from check expressions under name.
// Programs compiled before the call are dropped from the cache.
func (e *ExprEvaluator) AddFunction(name string, fn func(params ...interface{}) (interface{}, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions = append(e.functions, expr.Function(name, fn))
	e.cache = make(map[string]*vm.Program)
}

// Evaluate runs expression against env. Programs are compiled without a
// typed environment so that one cached program serves every value shape.
// The expression must produce a boolean.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
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

	opts := append([]expr.Option{expr.AllowUndefinedVariables()}, e.functions...)
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
