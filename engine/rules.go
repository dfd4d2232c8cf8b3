package engine

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/taxpadi/engine/internal/metrics"
)

// EvaluateRules evaluates rules against a profile in ascending priority order
// and merges the outcomes of matching rules into one output record.
//
// The merge is a shallow overwrite: each key in a matching rule's outcome
// replaces any value an earlier (lower-priority) rule set for that key, and
// the explanation for that key is updated to the overwriting rule's. The sort
// is stable, so rules sharing a priority merge in their original order.
//
// One bad rule never aborts the evaluation: a rule whose outcome cannot be
// represented, or whose evaluation panics, is logged and skipped, and the
// remaining rules still contribute.
func EvaluateRules(rules []Rule, profile Profile) EvaluationResult {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	result := EvaluationResult{
		Outputs:      make(map[string]any),
		Explanations: make(map[string]string),
		MatchedRules: []MatchedRule{},
	}

	for _, rule := range ordered {
		applyRule(rule, profile, &result)
	}

	backfillDefaults(result.Outputs)
	return result
}

// applyRule evaluates and merges a single rule, isolating any fault to that
// rule.
func applyRule(rule Rule, profile Profile, result *EvaluationResult) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RuleFaults.Inc()
			slog.Error("rule evaluation panicked, skipping rule",
				"rule", rule.Key, "panic", r)
		}
	}()

	if !EvalCondition(rule.Conditions, profile) {
		return
	}

	// An outcome that cannot round-trip through JSON would poison the
	// persisted snapshot downstream; treat it as a malformed rule.
	if _, err := json.Marshal(rule.Outcome); err != nil {
		metrics.RuleFaults.Inc()
		slog.Error("rule outcome is not representable, skipping rule",
			"rule", rule.Key, "error", err)
		return
	}

	for key, value := range rule.Outcome {
		result.Outputs[key] = value
		result.Explanations[key] = rule.Explanation
	}
	result.MatchedRules = append(result.MatchedRules, MatchedRule{
		Key:         rule.Key,
		Explanation: rule.Explanation,
	})
}

func backfillDefaults(outputs map[string]any) {
	for _, key := range []string{OutputCITStatus, OutputVATStatus, OutputWHTStatus} {
		if _, ok := outputs[key]; !ok {
			outputs[key] = StatusUnknown
		}
	}
	if _, ok := outputs[OutputComplianceNote]; !ok {
		outputs[OutputComplianceNote] = ""
	}
	if _, ok := outputs[OutputThresholds]; !ok {
		outputs[OutputThresholds] = map[string]any{}
	}
	if _, ok := outputs[OutputDeadlines]; !ok {
		outputs[OutputDeadlines] = []ResolvedDeadline{}
	}
}
