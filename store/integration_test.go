//go:build integration

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taxpadi/engine/engine"
)

// setupTestDB creates a PostgreSQL container, applies the schema, and returns
// a connection.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "taxpadi_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://test:test@%s:%s/taxpadi_test?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	schema, err := os.ReadFile(filepath.Join("..", "migrations", "000001_init.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	cleanup := func() {
		db.Close()
		container.Terminate(ctx)
	}
	return db, cleanup
}

func TestPostgresRuleSetStoreRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	s := NewPostgresRuleSetStore(db)

	if _, err := s.Create("2025.1"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := s.Create("2025.1"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}

	rule := engine.Rule{
		Key:      "vat-threshold",
		Priority: 10,
		Conditions: engine.Condition{
			Field: "annualTurnover", Op: engine.OpGte, Value: 25000000,
		},
		Outcome:     map[string]any{engine.OutputVATStatus: "registration_required"},
		Explanation: "Turnover at or above the VAT registration threshold requires registration.",
	}
	if err := s.AddRule("2025.1", rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if err := s.AddRule("2025.1", rule); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate AddRule() error = %v, want ErrAlreadyExists", err)
	}

	day := 21
	tpl := engine.DeadlineTemplate{
		Key:           "vat-return",
		Frequency:     engine.FrequencyMonthly,
		DueDayOfMonth: &day,
		AppliesWhen:   &engine.Condition{Field: "vatRegistered", Op: engine.OpEq, Value: true},
		Title:         "Monthly VAT return",
	}
	if err := s.AddTemplate("2025.1", tpl); err != nil {
		t.Fatalf("AddTemplate() failed: %v", err)
	}

	rs, err := s.GetByVersion("2025.1")
	if err != nil {
		t.Fatalf("GetByVersion() failed: %v", err)
	}
	if len(rs.Rules) != 1 {
		t.Fatalf("len(Rules) = %d, want 1", len(rs.Rules))
	}
	loaded := rs.Rules[0]
	if loaded.Conditions.Field != "annualTurnover" || loaded.Conditions.Op != engine.OpGte {
		t.Errorf("conditions did not round-trip: %+v", loaded.Conditions)
	}
	if len(rs.DeadlineTemplates) != 1 {
		t.Fatalf("len(DeadlineTemplates) = %d, want 1", len(rs.DeadlineTemplates))
	}
	lt := rs.DeadlineTemplates[0]
	if lt.DueDayOfMonth == nil || *lt.DueDayOfMonth != 21 {
		t.Errorf("dueDayOfMonth did not round-trip: %+v", lt.DueDayOfMonth)
	}
	if lt.AppliesWhen == nil || lt.AppliesWhen.Field != "vatRegistered" {
		t.Errorf("appliesWhen did not round-trip: %+v", lt.AppliesWhen)
	}

	// A loaded rule set works end to end with the engine.
	result, err := engine.Evaluate(rs, engine.Profile{"annualTurnover": 40000000.0, "vatRegistered": true}, 2025)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if result.Outputs[engine.OutputVATStatus] != "registration_required" {
		t.Errorf("vatStatus = %v, want registration_required", result.Outputs[engine.OutputVATStatus])
	}
}

func TestPostgresRuleSetStoreActivate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	s := NewPostgresRuleSetStore(db)

	if _, err := s.GetActive(); !errors.Is(err, ErrNoActiveRuleSet) {
		t.Errorf("GetActive() error = %v, want ErrNoActiveRuleSet", err)
	}
	if err := s.Activate("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Activate(missing) error = %v, want ErrNotFound", err)
	}

	s.Create("2025.1")
	s.Create("2025.2")

	if err := s.Activate("2025.1"); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	if err := s.Activate("2025.2"); err != nil {
		t.Fatalf("Activate() to another version failed: %v", err)
	}

	rs, err := s.GetActive()
	if err != nil {
		t.Fatalf("GetActive() failed: %v", err)
	}
	if rs.Version != "2025.2" {
		t.Errorf("active version = %q, want 2025.2", rs.Version)
	}
}

func TestPostgresRuleSetStoreUpdateAndDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	s := NewPostgresRuleSetStore(db)
	s.Create("2025.1")
	s.AddRule("2025.1", engine.Rule{Key: "baseline", Priority: 1})

	if err := s.UpdateRule("2025.1", engine.Rule{Key: "baseline", Priority: 3}); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	rs, _ := s.GetByVersion("2025.1")
	if rs.Rules[0].Priority != 3 {
		t.Errorf("priority = %d, want 3", rs.Rules[0].Priority)
	}

	if err := s.UpdateRule("2025.1", engine.Rule{Key: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRule(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteRule("2025.1", "baseline"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if err := s.DeleteRule("2025.1", "baseline"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRule() twice error = %v, want ErrNotFound", err)
	}
}

func TestPostgresSnapshotStoreRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	s := NewPostgresSnapshotStore(db)

	snap := &Snapshot{
		BusinessID:     "biz-1",
		RuleSetVersion: "2025.1",
		Year:           2025,
		Profile:        engine.Profile{"state": "lagos"},
		Outputs:        map[string]any{engine.OutputCITStatus: "standard"},
		Explanations:   map[string]string{engine.OutputCITStatus: "Baseline obligations."},
		MatchedRules:   []engine.MatchedRule{{Key: "baseline", Explanation: "Baseline obligations."}},
	}
	if err := s.Insert(snap); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	got, err := s.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Profile["state"] != "lagos" {
		t.Errorf("profile did not round-trip: %+v", got.Profile)
	}
	if len(got.MatchedRules) != 1 || got.MatchedRules[0].Key != "baseline" {
		t.Errorf("matched rules did not round-trip: %+v", got.MatchedRules)
	}

	older := &Snapshot{BusinessID: "biz-1", RuleSetVersion: "2025.1", Year: 2024,
		Profile: engine.Profile{}, Outputs: map[string]any{}, Explanations: map[string]string{},
		CreatedAt: snap.CreatedAt.Add(-time.Hour)}
	if err := s.Insert(older); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	snaps, err := s.ListByBusiness("biz-1")
	if err != nil {
		t.Fatalf("ListByBusiness() failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("len = %d, want 2", len(snaps))
	}
	if snaps[0].Year != 2025 {
		t.Errorf("order = %d first, want newest first", snaps[0].Year)
	}
}
