package engine

import "reflect"

// EvalCondition evaluates a condition tree against a profile. It is pure and
// fail-closed: a malformed condition (unknown operator, missing field, type
// mismatch in a comparison) evaluates to false rather than panicking, because
// evaluation runs unattended on a schedule and a bad rule must degrade to
// "does not match", not a crash.
func EvalCondition(c Condition, profile Profile) bool {
	// The empty condition has none of the other shapes, so it is checked
	// before structural dispatch. It always matches.
	if c.IsEmpty() {
		return true
	}

	// Group conditions. An empty AND is vacuously true, an empty OR is
	// vacuously false.
	if c.And != nil {
		for _, sub := range c.And {
			if !EvalCondition(sub, profile) {
				return false
			}
		}
		return true
	}
	if c.Or != nil {
		for _, sub := range c.Or {
			if EvalCondition(sub, profile) {
				return true
			}
		}
		return false
	}

	// Field condition.
	if c.Field == "" || c.Op == "" {
		return false
	}

	val, present := profile[c.Field]

	switch c.Op {
	case OpEq:
		return valueEq(val, c.Value)
	case OpIn:
		return valueIn(val, c.Value)
	case OpGte:
		a, aok := asFloat(val)
		b, bok := asFloat(c.Value)
		return aok && bok && a >= b
	case OpLte:
		a, aok := asFloat(val)
		b, bok := asFloat(c.Value)
		return aok && bok && a <= b
	case OpExists:
		return present && val != nil && val != ""
	default:
		return false
	}
}

// valueEq is strict equality without coercion: no string/number crossover.
// Numeric values compare by value regardless of Go representation, so a
// condition authored with an int matches a profile field decoded from JSON as
// float64.
func valueEq(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	// Composite values. DeepEqual never panics, unlike ==.
	return reflect.DeepEqual(a, b)
}

// valueIn requires the condition value to be an array; anything else is a
// malformed condition and does not match.
func valueIn(val, listVal any) bool {
	rv := reflect.ValueOf(listVal)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if valueEq(val, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// asFloat widens any numeric representation (JSON decodes to float64, Go
// callers tend to pass ints) to float64 for comparison.
func asFloat(v any) (float64, bool) {
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
	}
	return 0, false
}
