package schema

import "fmt"

// Compatible reports whether every value accepted by producer is accepted by
// consumer, as far as can be decided statically. Checks are not compared; a
// nil or unconstrained schema on either side is compatible with anything.
func Compatible(producer, consumer *Schema) error {
	return compatible(producer, consumer, "")
}

func compatible(producer, consumer *Schema, path string) error {
	if consumer.IsAny() || producer.IsAny() {
		return nil
	}
	if consumer.Kind == KindAny || producer.Kind == KindAny {
		return nil
	}

	switch consumer.Kind {
	case KindNumber:
		if producer.Kind == KindNumber || producer.Kind == KindInteger {
			return nil
		}
	case KindObject:
		if producer.Kind != KindObject {
			break
		}
		for _, name := range consumer.FieldNames() {
			want := consumer.Fields[name]
			fieldPath := join(path, name)
			have, ok := producer.Fields[name]
			if !ok {
				if want.Optional || want.Default != nil {
					continue
				}
				return fmt.Errorf("%s: field required by consumer is not produced", fieldPath)
			}
			if have.Optional && !want.Optional && want.Default == nil {
				return fmt.Errorf("%s: field is optional in producer but required by consumer", fieldPath)
			}
			if err := compatible(have, want, fieldPath); err != nil {
				return err
			}
		}
		return nil
	case KindArray:
		if producer.Kind == KindArray {
			return compatible(producer.Items, consumer.Items, path+"[]")
		}
	default:
		if producer.Kind == consumer.Kind {
			return nil
		}
	}

	where := path
	if where == "" {
		where = "value"
	}
	return fmt.Errorf("%s: %s is not assignable to %s", where, producer.Kind, consumer.Kind)
}

// Zero builds the value a schema starts from: the declared default if any,
// otherwise the zero value of its kind with object fields filled recursively.
// Optional fields without defaults are left out.
func Zero(s *Schema) interface{} {
	if s == nil {
		return nil
	}
	if s.Default != nil {
		if v, err := Normalize(s.Default); err == nil {
			return v
		}
	}
	switch s.Kind {
	case KindString:
		return ""
	case KindNumber, KindInteger:
		return float64(0)
	case KindBool:
		return false
	case KindArray:
		return []interface{}{}
	case KindObject:
		out := make(map[string]interface{}, len(s.Fields))
		for name, field := range s.Fields {
			if field.Optional && field.Default == nil {
				continue
			}
			out[name] = Zero(field)
		}
		return out
	default:
		return nil
	}
}
