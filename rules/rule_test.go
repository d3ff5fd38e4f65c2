package rules

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "value > 18",
			env:        map[string]interface{}{"value": 25},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "value < 18",
			env:        map[string]interface{}{"value": 25},
			wantResult: false,
		},
		{
			name:       "String check",
			expression: `value contains "@"`,
			env:        map[string]interface{}{"value": "a@b.com"},
			wantResult: true,
		},
		{
			name:       "Length check on float from decoded JSON",
			expression: "len(value) > 0 && value[0] == 1.0",
			env:        map[string]interface{}{"value": []interface{}{1.0}},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "value + 5",
			env:        map[string]interface{}{"value": 25},
			wantErr:    true,
			errMsg:     "expression 'value + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "value >>> 18",
			env:        map[string]interface{}{"value": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Cached program serves different value types", func(t *testing.T) {
		expression := "value != nil"

		result1, err1 := evaluator.Evaluate(expression, map[string]interface{}{"value": "x"})
		assert.NoError(t, err1)
		assert.True(t, result1)

		result2, err2 := evaluator.Evaluate(expression, map[string]interface{}{"value": 3.5})
		assert.NoError(t, err2)
		assert.True(t, result2)

		result3, err3 := evaluator.Evaluate(expression, map[string]interface{}{"value": nil})
		assert.NoError(t, err3)
		assert.False(t, result3)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		expression := "value > 0"
		env := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate(expression, env)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})

	t.Run("Custom function", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddFunction("isLower", func(params ...interface{}) (interface{}, error) {
			s, _ := params[0].(string)
			return s == strings.ToLower(s), nil
		})

		result, err := ev.Evaluate("isLower(value)", map[string]interface{}{"value": "abc"})
		assert.NoError(t, err)
		assert.True(t, result)

		result, err = ev.Evaluate("isLower(value)", map[string]interface{}{"value": "ABC"})
		assert.NoError(t, err)
		assert.False(t, result)
	})
}

// BenchmarkEvaluate benchmarks Evaluate on a cached program.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	expression := "value > 5"
	env := map[string]interface{}{"value": 10}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(expression, env)
	}
}
