package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taxpadi/engine/ruleset"
	"github.com/taxpadi/engine/store"
)

func newTestServer() *Server {
	s := &Server{
		manager: ruleset.NewManager(
			store.NewInMemoryRuleSetStore(),
			store.NewInMemoryRuleSetCache(store.DefaultCacheConfig()),
		),
		snapshots: store.NewInMemorySnapshotStore(),
	}
	s.setupRoutes()
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestEvaluateWithoutActiveRuleSet(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		BusinessID: "biz-1",
		Profile:    map[string]any{"state": "lagos"},
		Year:       2026,
	})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestEvaluateRequiresBusinessAndProfile(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		Profile: map[string]any{"state": "lagos"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing businessId: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		BusinessID: "biz-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing profile: status = %d, want 400", rec.Code)
	}
}

// seedRuleSet drives the admin API the way an operator would: create a
// version, add a rule and a template, activate.
func seedRuleSet(t *testing.T, s *Server) {
	t.Helper()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/rulesets", CreateRuleSetRequest{Version: "2026.1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule set: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rule := map[string]any{
		"key":      "vat-registered",
		"priority": 10,
		"conditions": map[string]any{
			"field": "vatRegistered", "op": "eq", "value": true,
		},
		"outcome":     map[string]any{"vatStatus": "registered"},
		"explanation": "Business is VAT registered",
	}
	rec = doJSON(t, s, http.MethodPost, "/api/v1/rulesets/2026.1/rules", rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add rule: status = %d, body %s", rec.Code, rec.Body.String())
	}

	tmpl := map[string]any{
		"key":           "vat-return",
		"frequency":     "monthly",
		"dueDayOfMonth": 21,
		"title":         "File VAT return",
	}
	rec = doJSON(t, s, http.MethodPost, "/api/v1/rulesets/2026.1/templates", tmpl)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add template: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/rulesets/2026.1/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestEvaluatePersistsSnapshot(t *testing.T) {
	s := newTestServer()
	seedRuleSet(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		BusinessID: "biz-1",
		Profile:    map[string]any{"vatRegistered": true},
		Year:       2026,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp EvaluateResponse
	decodeBody(t, rec, &resp)

	if resp.SnapshotID == "" {
		t.Error("expected a snapshot id")
	}
	if resp.RuleSetVersion != "2026.1" {
		t.Errorf("ruleSetVersion = %q, want 2026.1", resp.RuleSetVersion)
	}
	if resp.Outputs["vatStatus"] != "registered" {
		t.Errorf("vatStatus = %v, want registered", resp.Outputs["vatStatus"])
	}
	if resp.Outputs["citStatus"] != "unknown" {
		t.Errorf("citStatus = %v, want unknown default", resp.Outputs["citStatus"])
	}

	deadlines, ok := resp.Outputs["deadlines"].([]any)
	if !ok {
		t.Fatalf("deadlines output has type %T", resp.Outputs["deadlines"])
	}
	if len(deadlines) != 12 {
		t.Errorf("len(deadlines) = %d, want 12", len(deadlines))
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/snapshots/"+resp.SnapshotID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get snapshot: status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/businesses/biz-1/snapshots", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list snapshots: status = %d", rec.Code)
	}
	var list struct {
		Snapshots []store.Snapshot `json:"snapshots"`
	}
	decodeBody(t, rec, &list)
	if len(list.Snapshots) != 1 {
		t.Errorf("len(snapshots) = %d, want 1", len(list.Snapshots))
	}
}

func TestPreviewLeavesNoSnapshot(t *testing.T) {
	s := newTestServer()
	seedRuleSet(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate/preview", EvaluateRequest{
		BusinessID: "biz-2",
		Profile:    map[string]any{"vatRegistered": false},
		Year:       2026,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp EvaluateResponse
	decodeBody(t, rec, &resp)
	if resp.SnapshotID != "" {
		t.Errorf("preview returned snapshot id %q", resp.SnapshotID)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/businesses/biz-2/snapshots", nil)
	var list struct {
		Snapshots []store.Snapshot `json:"snapshots"`
	}
	decodeBody(t, rec, &list)
	if len(list.Snapshots) != 0 {
		t.Errorf("preview persisted %d snapshots", len(list.Snapshots))
	}
}

func TestAdminValidationAndConflicts(t *testing.T) {
	s := newTestServer()
	seedRuleSet(t, s)

	// Duplicate version.
	rec := doJSON(t, s, http.MethodPost, "/api/v1/rulesets", CreateRuleSetRequest{Version: "2026.1"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create: status = %d, want 409", rec.Code)
	}

	// Unknown op is rejected before it reaches the store.
	badRule := map[string]any{
		"key":      "bad-rule",
		"priority": 1,
		"conditions": map[string]any{
			"field": "state", "op": "matches", "value": "l.*",
		},
		"outcome":     map[string]any{"citStatus": "exempt"},
		"explanation": "x",
	}
	rec = doJSON(t, s, http.MethodPost, "/api/v1/rulesets/2026.1/rules", badRule)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid rule: status = %d, want 400", rec.Code)
	}

	// Activating a version that does not exist.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/rulesets/9999.9/activate", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("activate unknown: status = %d, want 404", rec.Code)
	}

	// Deleting a rule that does not exist.
	rec = doJSON(t, s, http.MethodDelete, "/api/v1/rulesets/2026.1/rules/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete unknown rule: status = %d, want 404", rec.Code)
	}
}

func TestRuleUpdateTakesEffectOnNextEvaluate(t *testing.T) {
	s := newTestServer()
	seedRuleSet(t, s)

	updated := map[string]any{
		"priority": 10,
		"conditions": map[string]any{
			"field": "vatRegistered", "op": "eq", "value": true,
		},
		"outcome":     map[string]any{"vatStatus": "active"},
		"explanation": "VAT registration confirmed",
	}
	rec := doJSON(t, s, http.MethodPut, "/api/v1/rulesets/2026.1/rules/vat-registered", updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update rule: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/evaluate/preview", EvaluateRequest{
		BusinessID: "biz-1",
		Profile:    map[string]any{"vatRegistered": true},
		Year:       2026,
	})
	var resp EvaluateResponse
	decodeBody(t, rec, &resp)

	if resp.Outputs["vatStatus"] != "active" {
		t.Errorf("vatStatus = %v, want active after update", resp.Outputs["vatStatus"])
	}
	if resp.Explanations["vatStatus"] != "VAT registration confirmed" {
		t.Errorf("explanation = %q", resp.Explanations["vatStatus"])
	}
}
