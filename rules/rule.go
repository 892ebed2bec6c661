package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/expr-lang/expr"
	"github.com/stef9github/flowcore/types"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression string.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a derived value computed from the context and
// exposed to expressions under the given name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	e.mu.RLock()
	if len(e.optionsFunc) > 0 {
		// Derived values exist only for this evaluation; the caller's
		// map is never written to.
		merged := make(map[string]interface{}, len(context)+len(e.optionsFunc))
		for k, v := range context {
			merged[k] = v
		}
		for k, f := range e.optionsFunc {
			merged[k] = f(merged)
		}
		context = merged
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(context))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, context)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// CheckRule evaluates a business rule spec against an instance context.
// Every required field must be present and non-nil, and every condition
// must evaluate to true. The first violation is returned as an error.
func CheckRule(eval Evaluator, spec types.RuleSpec, context map[string]interface{}) error {
	for _, field := range spec.RequiredFields {
		v, ok := context[field]
		if !ok || v == nil {
			return fmt.Errorf("required field %q is missing from context", field)
		}
	}

	for _, cond := range spec.Conditions {
		ok, err := eval.Evaluate(cond, context)
		if err != nil {
			return fmt.Errorf("condition '%s' failed to evaluate: %w", cond, err)
		}
		if !ok {
			return fmt.Errorf("condition '%s' not satisfied", cond)
		}
	}
	return nil
}
