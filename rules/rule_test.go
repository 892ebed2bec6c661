package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stef9github/flowcore/types"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "amount > 1000",
			context:    map[string]interface{}{"amount": 2500},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "amount < 1000",
			context:    map[string]interface{}{"amount": 2500},
			wantResult: false,
		},
		{
			name:       "Non-boolean result",
			expression: "amount + 5",
			context:    map[string]interface{}{"amount": 2500},
			wantErr:    true,
			errMsg:     "did not evaluate to a boolean",
		},
		{
			name:       "Invalid expression",
			expression: "amount >>> 5",
			context:    map[string]interface{}{"amount": 2500},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}
}

// TestExprEvaluatorCache verifies concurrent evaluation of the same
// expression reuses the compiled program without racing.
func TestExprEvaluatorCache(t *testing.T) {
	evaluator := NewExprEvaluator()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := evaluator.Evaluate("approved == true", map[string]interface{}{"approved": true})
			assert.NoError(t, err)
			assert.True(t, result)
		}()
	}
	wg.Wait()

	evaluator.mu.RLock()
	defer evaluator.mu.RUnlock()
	assert.Len(t, evaluator.cache, 1)
}

func TestExprEvaluatorOptionFunc(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("total", func(ctx map[string]interface{}) interface{} {
		a, _ := ctx["a"].(int)
		b, _ := ctx["b"].(int)
		return a + b
	})

	context := map[string]interface{}{"a": 3, "b": 4}
	result, err := evaluator.Evaluate("total == 7", context)
	assert.NoError(t, err)
	assert.True(t, result)

	// Derived values stay out of the caller's map.
	_, leaked := context["total"]
	assert.False(t, leaked)
	assert.Len(t, context, 2)
}

// TestCheckRule covers required fields and condition evaluation.
func TestCheckRule(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name    string
		spec    types.RuleSpec
		context map[string]interface{}
		wantErr string
	}{
		{
			name:    "Empty rule passes",
			spec:    types.RuleSpec{},
			context: map[string]interface{}{},
		},
		{
			name:    "Required field present",
			spec:    types.RuleSpec{RequiredFields: []string{"reviewer"}},
			context: map[string]interface{}{"reviewer": "alice"},
		},
		{
			name:    "Required field missing",
			spec:    types.RuleSpec{RequiredFields: []string{"reviewer"}},
			context: map[string]interface{}{},
			wantErr: `required field "reviewer" is missing`,
		},
		{
			name:    "Required field nil",
			spec:    types.RuleSpec{RequiredFields: []string{"reviewer"}},
			context: map[string]interface{}{"reviewer": nil},
			wantErr: `required field "reviewer" is missing`,
		},
		{
			name:    "Condition satisfied",
			spec:    types.RuleSpec{Conditions: []string{"amount <= 5000"}},
			context: map[string]interface{}{"amount": 100},
		},
		{
			name:    "Condition not satisfied",
			spec:    types.RuleSpec{Conditions: []string{"amount <= 5000"}},
			context: map[string]interface{}{"amount": 9999},
			wantErr: "condition 'amount <= 5000' not satisfied",
		},
		{
			name: "All checks combined",
			spec: types.RuleSpec{
				RequiredFields: []string{"reviewer"},
				Conditions:     []string{"amount <= 5000", "reviewer != ''"},
			},
			context: map[string]interface{}{"reviewer": "alice", "amount": 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRule(evaluator, tt.spec, tt.context)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
