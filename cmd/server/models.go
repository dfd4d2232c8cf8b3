package main

import (
	"github.com/taxpadi/engine/engine"
)

// EvaluateRequest is the body for /evaluate and /evaluate/preview. Year
// defaults to the current UTC year when omitted.
type EvaluateRequest struct {
	BusinessID string         `json:"businessId"`
	Profile    engine.Profile `json:"profile"`
	Year       int            `json:"year,omitempty"`
}

// EvaluateResponse carries the merged outputs plus audit fields. SnapshotID
// is empty for preview evaluations, which are never persisted.
type EvaluateResponse struct {
	SnapshotID     string               `json:"snapshotId,omitempty"`
	RuleSetVersion string               `json:"ruleSetVersion"`
	Year           int                  `json:"year"`
	Outputs        map[string]any       `json:"outputs"`
	Explanations   map[string]string    `json:"explanations"`
	MatchedRules   []engine.MatchedRule `json:"matchedRules"`
}

// CreateRuleSetRequest is the body for registering a new rule set version.
type CreateRuleSetRequest struct {
	Version string `json:"version"`
}
