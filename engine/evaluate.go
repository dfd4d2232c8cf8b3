// Package engine decides a business's tax obligations from a versioned rule
// set and computes the calendar dates its filings are due for a target year.
//
// The engine is a pure function of (rule set, profile, year): no clock, no
// randomness, no I/O, no state shared between calls. Repeated evaluation of
// the same inputs yields structurally identical results, so callers may
// memoize, re-run, or evaluate speculatively without side effects. Loading
// the active rule set and persisting the result are collaborator concerns
// (see the store and ruleset packages).
package engine

import "errors"

// ErrNilRuleSet is returned by Evaluate when called without a rule set. The
// engine synthesizes no fallback; "not configured" is the caller's error
// condition to surface.
var ErrNilRuleSet = errors.New("engine: rule set is nil")

// Evaluate runs the rule evaluator and the deadline resolver and composes
// their results: outputs, per-field explanations, matched rules, and the
// resolved deadlines under the "deadlines" output key.
func Evaluate(rs *RuleSet, profile Profile, year int) (*EvaluationResult, error) {
	if rs == nil {
		return nil, ErrNilRuleSet
	}

	result := EvaluateRules(rs.Rules, profile)
	result.Outputs[OutputDeadlines] = ResolveDeadlines(rs.DeadlineTemplates, profile, year)
	return &result, nil
}
