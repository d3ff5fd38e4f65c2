package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/songzhibin97/stepflow/rules"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports the first value that failed its schema.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed at %s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validator validates a value against a schema and returns the normalized
// value: objects become map[string]interface{}, arrays []interface{}, and
// absent fields with defaults are filled in.
type Validator interface {
	Validate(s *Schema, v interface{}) (interface{}, error)
}

// DefaultValidator validates structurally and runs Checks through a
// rules.Evaluator.
type DefaultValidator struct {
	evaluator rules.Evaluator
}

// NewValidator returns a validator. A nil evaluator gets an expr evaluator.
func NewValidator(evaluator rules.Evaluator) *DefaultValidator {
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	return &DefaultValidator{evaluator: evaluator}
}

// Validate implements Validator. A nil schema accepts everything.
func (d *DefaultValidator) Validate(s *Schema, v interface{}) (interface{}, error) {
	nv, err := Normalize(v)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, &ValidationError{Reason: err.Error()}
	}
	return d.validate(s, nv, "")
}

func (d *DefaultValidator) validate(s *Schema, v interface{}, path string) (interface{}, error) {
	if s == nil {
		return v, nil
	}

	var (
		out interface{}
		err error
	)
	switch s.Kind {
	case KindAny:
		out = v
	case KindString:
		if _, ok := v.(string); !ok {
			return nil, mismatch(path, s, v)
		}
		out = v
	case KindNumber, KindInteger:
		f, ok := toFloat(v)
		if !ok {
			return nil, mismatch(path, s, v)
		}
		if !finite(f) {
			return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("%v is not a finite number", f)}
		}
		if s.Kind == KindInteger && f != math.Trunc(f) {
			return nil, mismatch(path, s, v)
		}
		out = v
	case KindBool:
		if _, ok := v.(bool); !ok {
			return nil, mismatch(path, s, v)
		}
		out = v
	case KindObject:
		out, err = d.validateObject(s, v, path)
	case KindArray:
		out, err = d.validateArray(s, v, path)
	default:
		return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("unknown schema kind %d", s.Kind)}
	}
	if err != nil {
		return nil, err
	}

	for _, check := range s.Checks {
		ok, evalErr := d.evaluator.Evaluate(check, map[string]interface{}{"value": out})
		if evalErr != nil {
			return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("check %q: %v", check, evalErr)}
		}
		if !ok {
			return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("check %q not satisfied", check)}
		}
	}
	return out, nil
}

func (d *DefaultValidator) validateObject(s *Schema, v interface{}, path string) (interface{}, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, mismatch(path, s, v)
	}

	out := make(map[string]interface{}, len(s.Fields))
	if s.Passthrough {
		for k, val := range m {
			out[k] = val
		}
	}
	for _, name := range s.FieldNames() {
		field := s.Fields[name]
		fieldPath := join(path, name)
		val, present := m[name]
		if !present || val == nil {
			if field.Default != nil {
				def, err := Normalize(field.Default)
				if err != nil {
					return nil, &ValidationError{Path: fieldPath, Reason: err.Error()}
				}
				val, present = def, true
			}
		}
		if !present || (val == nil && field.Kind != KindAny) {
			if field.Optional {
				delete(out, name)
				continue
			}
			return nil, &ValidationError{Path: fieldPath, Reason: "required field missing"}
		}
		cleaned, err := d.validate(field, val, fieldPath)
		if err != nil {
			return nil, err
		}
		out[name] = cleaned
	}
	return out, nil
}

func (d *DefaultValidator) validateArray(s *Schema, v interface{}, path string) (interface{}, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, mismatch(path, s, v)
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		cleaned, err := d.validate(s.Items, item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = cleaned
	}
	return out, nil
}

func mismatch(path string, s *Schema, v interface{}) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf("expected %s, got %T", s.Kind, v)}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Normalize converts v into the generic shape the validator works on. Plain
// JSON-like values pass through; structs, typed maps and typed slices are
// converted through their JSON encoding. NaN and infinities are rejected with
// a *ValidationError since no snapshot codec can store them.
func Normalize(v interface{}) (interface{}, error) {
	return normalize(v, "")
}

func normalize(v interface{}, path string) (interface{}, error) {
	switch val := v.(type) {
	case float64:
		if !finite(val) {
			return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("%v is not a finite number", val)}
		}
		return val, nil
	case float32:
		if !finite(float64(val)) {
			return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("%v is not a finite number", val)}
		}
		return val, nil
	case nil, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return val, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			n, err := normalize(item, join(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			n, err := normalize(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot normalize %T: %w", v, err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot normalize %T: %w", v, err)
	}
	return out, nil
}
