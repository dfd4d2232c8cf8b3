package ruleset

import (
	"fmt"
	"regexp"

	"github.com/taxpadi/engine/engine"
)

// Well-formedness is enforced here, at write time, so the evaluator never has
// to: a condition that passes validation cannot make the engine do anything
// but match or not match. The engine still fails closed on malformed input as
// a second line of defense, since rule sets can be edited out of band.

const maxConditionDepth = 10

var keyPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

var validOps = map[string]bool{
	engine.OpEq:     true,
	engine.OpIn:     true,
	engine.OpGte:    true,
	engine.OpLte:    true,
	engine.OpExists: true,
}

var validFrequencies = map[string]bool{
	engine.FrequencyMonthly:   true,
	engine.FrequencyQuarterly: true,
	engine.FrequencyAnnual:    true,
	engine.FrequencyOneTime:   true,
}

// ValidateRule checks a rule is well-formed before it is persisted.
func ValidateRule(r engine.Rule) error {
	if err := validateKey(r.Key); err != nil {
		return fmt.Errorf("invalid rule key: %w", err)
	}
	if err := ValidateCondition(r.Conditions); err != nil {
		return fmt.Errorf("invalid conditions for rule %q: %w", r.Key, err)
	}
	if r.Outcome == nil {
		return fmt.Errorf("rule %q must have an outcome", r.Key)
	}
	return nil
}

// ValidateCondition checks a condition tree is well-formed: known operators,
// exactly one shape per node, bounded nesting.
func ValidateCondition(c engine.Condition) error {
	return validateConditionDepth(c, 0)
}

func validateConditionDepth(c engine.Condition, depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition nesting exceeds %d levels", maxConditionDepth)
	}

	if c.IsEmpty() {
		return nil
	}

	isGroup := c.And != nil || c.Or != nil
	isField := c.Field != "" || c.Op != "" || c.Value != nil

	if isGroup && isField {
		return fmt.Errorf("condition mixes group and field shapes")
	}
	if c.And != nil && c.Or != nil {
		return fmt.Errorf("condition has both and/or groups")
	}

	if isGroup {
		for i, sub := range c.And {
			if err := validateConditionDepth(sub, depth+1); err != nil {
				return fmt.Errorf("and[%d]: %w", i, err)
			}
		}
		for i, sub := range c.Or {
			if err := validateConditionDepth(sub, depth+1); err != nil {
				return fmt.Errorf("or[%d]: %w", i, err)
			}
		}
		return nil
	}

	// Field condition.
	if c.Field == "" {
		return fmt.Errorf("field condition is missing field")
	}
	if !validOps[c.Op] {
		return fmt.Errorf("unknown operator %q (must be one of: eq, in, gte, lte, exists)", c.Op)
	}
	switch c.Op {
	case engine.OpIn:
		if _, ok := c.Value.([]any); !ok {
			if _, ok := c.Value.([]string); !ok {
				return fmt.Errorf("operator in requires an array value")
			}
		}
	case engine.OpGte, engine.OpLte:
		if !isNumeric(c.Value) {
			return fmt.Errorf("operator %s requires a numeric value", c.Op)
		}
	case engine.OpExists:
		if c.Value != nil {
			return fmt.Errorf("operator exists takes no value")
		}
	}
	return nil
}

// ValidateTemplate checks a deadline template is well-formed. A template may
// legitimately lack the anchors its frequency needs (the resolver then emits
// zero instances), but anchors that are present must be in range.
func ValidateTemplate(t engine.DeadlineTemplate) error {
	if err := validateKey(t.Key); err != nil {
		return fmt.Errorf("invalid template key: %w", err)
	}
	if !validFrequencies[t.Frequency] {
		return fmt.Errorf("unknown frequency %q (must be one of: monthly, quarterly, annual, one_time)", t.Frequency)
	}
	if t.Title == "" {
		return fmt.Errorf("template %q must have a title", t.Key)
	}
	if t.DueMonth != nil && (*t.DueMonth < 1 || *t.DueMonth > 12) {
		return fmt.Errorf("dueMonth %d out of range 1-12 (months are 1-indexed)", *t.DueMonth)
	}
	if t.DueDay != nil && (*t.DueDay < 1 || *t.DueDay > 31) {
		return fmt.Errorf("dueDay %d out of range 1-31", *t.DueDay)
	}
	if t.DueDayOfMonth != nil && (*t.DueDayOfMonth < 1 || *t.DueDayOfMonth > 31) {
		return fmt.Errorf("dueDayOfMonth %d out of range 1-31", *t.DueDayOfMonth)
	}
	if t.AppliesWhen != nil {
		if err := ValidateCondition(*t.AppliesWhen); err != nil {
			return fmt.Errorf("invalid appliesWhen for template %q: %w", t.Key, err)
		}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(key) > 100 {
		return fmt.Errorf("key exceeds 100 characters")
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("key %q must be lowercase alphanumeric with - or _ separators", key)
	}
	return nil
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}
