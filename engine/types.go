package engine

// Profile is the flat key/value record describing one business at evaluation
// time (legal form, sector, state, turnover, VAT registration, employee count,
// and so on). Callers project whatever stored business record they have into
// this shape; fields no condition references are ignored.
type Profile map[string]any

// Condition operators. Anything outside this set evaluates to false.
const (
	OpEq     = "eq"
	OpIn     = "in"
	OpGte    = "gte"
	OpLte    = "lte"
	OpExists = "exists"
)

// Condition is one node in a boolean expression tree. Exactly one shape is
// meaningful per node: a field test (Field/Op/Value), an AND group, an OR
// group, or the empty condition, which matches every profile and is used for
// baseline rules.
//
// JSON round-trips cleanly: `{"and": []}` keeps a non-nil empty And slice,
// which is distinct from the all-nil empty condition.
type Condition struct {
	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`

	// No omitempty: an empty group must survive marshaling, since
	// `{"or": []}` never matches while the empty condition always does.
	And []Condition `json:"and"`
	Or  []Condition `json:"or"`
}

// IsEmpty reports whether the condition is the empty condition `{}`.
func (c Condition) IsEmpty() bool {
	return c.Field == "" && c.Op == "" && c.Value == nil && c.And == nil && c.Or == nil
}

// Rule is a prioritized, conditionally-applied patch to the output record.
// Rules with higher priority numbers are merged later and therefore override
// lower-priority rules for any output key they both set.
type Rule struct {
	Key         string         `json:"key"`
	Priority    int            `json:"priority"`
	Conditions  Condition      `json:"conditions"`
	Outcome     map[string]any `json:"outcome"`
	Explanation string         `json:"explanation"`
}

// Deadline template frequencies.
const (
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
	FrequencyAnnual    = "annual"
	FrequencyOneTime   = "one_time"
)

// DeadlineTemplate is a year-independent description of a recurring or
// one-off filing deadline. DueMonth is 1-indexed (1 = January).
type DeadlineTemplate struct {
	Key           string     `json:"key"`
	Frequency     string     `json:"frequency"`
	DueDayOfMonth *int       `json:"dueDayOfMonth,omitempty"`
	DueMonth      *int       `json:"dueMonth,omitempty"`
	DueDay        *int       `json:"dueDay,omitempty"`
	OffsetDays    *int       `json:"offsetDays,omitempty"`
	AppliesWhen   *Condition `json:"appliesWhen,omitempty"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
}

// RuleSet is a versioned collection of rules plus deadline templates. It is
// treated as an immutable value for the duration of one evaluation.
type RuleSet struct {
	Version           string             `json:"version"`
	Rules             []Rule             `json:"rules"`
	DeadlineTemplates []DeadlineTemplate `json:"deadlineTemplates"`
}

// Output keys every evaluation result carries, defaulted when no rule sets
// them.
const (
	OutputCITStatus      = "citStatus"
	OutputVATStatus      = "vatStatus"
	OutputWHTStatus      = "whtStatus"
	OutputComplianceNote = "complianceNote"
	OutputThresholds     = "thresholds"
	OutputDeadlines      = "deadlines"
)

// StatusUnknown is the default for the three tax status outputs.
const StatusUnknown = "unknown"

// MatchedRule records one rule that matched during an evaluation, in merge
// order.
type MatchedRule struct {
	Key         string `json:"key"`
	Explanation string `json:"explanation"`
}

// EvaluationResult is the merged outcome of one rule evaluation. Explanations
// maps each output key to the explanation of the rule that most recently set
// it.
type EvaluationResult struct {
	Outputs      map[string]any    `json:"outputs"`
	Explanations map[string]string `json:"explanations"`
	MatchedRules []MatchedRule     `json:"matchedRules"`
}
