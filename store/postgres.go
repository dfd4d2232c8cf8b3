package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/taxpadi/engine/engine"
)

// PostgresRuleSetStore implements RuleSetStore backed by PostgreSQL.
// Conditions, outcomes, and appliesWhen trees are stored as jsonb and decoded
// into engine types on read; rows are ordered so a loaded rule set is
// byte-for-byte reproducible.
type PostgresRuleSetStore struct {
	db *sql.DB
}

// NewPostgresRuleSetStore creates a PostgreSQL-backed RuleSetStore.
func NewPostgresRuleSetStore(db *sql.DB) *PostgresRuleSetStore {
	return &PostgresRuleSetStore{db: db}
}

func (s *PostgresRuleSetStore) Create(version string) (*RuleSetMeta, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rule_sets WHERE version = $1)
	`, version).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check rule set existence: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("rule set %q: %w", version, ErrAlreadyExists)
	}

	meta := RuleSetMeta{Version: version}
	err = s.db.QueryRow(`
		INSERT INTO rule_sets (version, active, created_at, updated_at)
		VALUES ($1, false, NOW(), NOW())
		RETURNING created_at, updated_at
	`, version).Scan(&meta.CreatedAt, &meta.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rule set: %w", err)
	}

	return &meta, nil
}

func (s *PostgresRuleSetStore) List() ([]RuleSetMeta, error) {
	rows, err := s.db.Query(`
		SELECT version, active, created_at, updated_at
		FROM rule_sets
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule sets: %w", err)
	}
	defer rows.Close()

	metas := []RuleSetMeta{}
	for rows.Next() {
		var m RuleSetMeta
		if err := rows.Scan(&m.Version, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule set: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule sets: %w", err)
	}
	return metas, nil
}

func (s *PostgresRuleSetStore) GetActive() (*engine.RuleSet, error) {
	var version string
	err := s.db.QueryRow(`SELECT version FROM rule_sets WHERE active = true`).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveRuleSet
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active rule set: %w", err)
	}
	return s.GetByVersion(version)
}

func (s *PostgresRuleSetStore) GetByVersion(version string) (*engine.RuleSet, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rule_sets WHERE version = $1)
	`, version).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check rule set existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}

	rs := &engine.RuleSet{Version: version}

	if rs.Rules, err = s.loadRules(version); err != nil {
		return nil, err
	}
	if rs.DeadlineTemplates, err = s.loadTemplates(version); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *PostgresRuleSetStore) loadRules(version string) ([]engine.Rule, error) {
	rows, err := s.db.Query(`
		SELECT key, priority, conditions, outcome, explanation
		FROM rules
		WHERE rule_set_version = $1
		ORDER BY priority ASC, key ASC
	`, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	defer rows.Close()

	rules := []engine.Rule{}
	for rows.Next() {
		var r engine.Rule
		var conditionsJSON, outcomeJSON []byte
		if err := rows.Scan(&r.Key, &r.Priority, &conditionsJSON, &outcomeJSON, &r.Explanation); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if err := json.Unmarshal(conditionsJSON, &r.Conditions); err != nil {
			return nil, fmt.Errorf("invalid conditions for rule %q: %w", r.Key, err)
		}
		if err := json.Unmarshal(outcomeJSON, &r.Outcome); err != nil {
			return nil, fmt.Errorf("invalid outcome for rule %q: %w", r.Key, err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

func (s *PostgresRuleSetStore) loadTemplates(version string) ([]engine.DeadlineTemplate, error) {
	rows, err := s.db.Query(`
		SELECT key, frequency, due_day_of_month, due_month, due_day, offset_days,
		       applies_when, title, description
		FROM deadline_templates
		WHERE rule_set_version = $1
		ORDER BY key ASC
	`, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load deadline templates: %w", err)
	}
	defer rows.Close()

	templates := []engine.DeadlineTemplate{}
	for rows.Next() {
		var t engine.DeadlineTemplate
		var dueDayOfMonth, dueMonth, dueDay, offsetDays sql.NullInt64
		var appliesWhenJSON []byte
		if err := rows.Scan(&t.Key, &t.Frequency, &dueDayOfMonth, &dueMonth, &dueDay,
			&offsetDays, &appliesWhenJSON, &t.Title, &t.Description); err != nil {
			return nil, fmt.Errorf("failed to scan deadline template: %w", err)
		}
		t.DueDayOfMonth = nullableInt(dueDayOfMonth)
		t.DueMonth = nullableInt(dueMonth)
		t.DueDay = nullableInt(dueDay)
		t.OffsetDays = nullableInt(offsetDays)
		if appliesWhenJSON != nil {
			var cond engine.Condition
			if err := json.Unmarshal(appliesWhenJSON, &cond); err != nil {
				return nil, fmt.Errorf("invalid appliesWhen for template %q: %w", t.Key, err)
			}
			t.AppliesWhen = &cond
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deadline templates: %w", err)
	}
	return templates, nil
}

// Activate flips the active flag to the given version in one transaction, so
// readers never observe zero or two active rule sets.
func (s *PostgresRuleSetStore) Activate(version string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE rule_sets SET active = false WHERE active = true`); err != nil {
		return fmt.Errorf("failed to deactivate current rule set: %w", err)
	}

	result, err := tx.Exec(`
		UPDATE rule_sets SET active = true, updated_at = NOW() WHERE version = $1
	`, version)
	if err != nil {
		return fmt.Errorf("failed to activate rule set: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}

	return tx.Commit()
}

func (s *PostgresRuleSetStore) AddRule(version string, r engine.Rule) error {
	conditionsJSON, outcomeJSON, err := marshalRule(r)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO rules (id, rule_set_version, key, priority, conditions, outcome, explanation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, uuid.NewString(), version, r.Key, r.Priority, conditionsJSON, outcomeJSON, r.Explanation)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rule %q: %w", r.Key, ErrAlreadyExists)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return s.touchRuleSet(version)
}

func (s *PostgresRuleSetStore) UpdateRule(version string, r engine.Rule) error {
	conditionsJSON, outcomeJSON, err := marshalRule(r)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE rules
		SET priority = $1, conditions = $2, outcome = $3, explanation = $4, updated_at = NOW()
		WHERE rule_set_version = $5 AND key = $6
	`, r.Priority, conditionsJSON, outcomeJSON, r.Explanation, version, r.Key)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return s.requireAffected(result, version, "rule", r.Key)
}

func (s *PostgresRuleSetStore) DeleteRule(version, key string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules WHERE rule_set_version = $1 AND key = $2
	`, version, key)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return s.requireAffected(result, version, "rule", key)
}

func (s *PostgresRuleSetStore) AddTemplate(version string, t engine.DeadlineTemplate) error {
	appliesWhenJSON, err := marshalAppliesWhen(t)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO deadline_templates
			(id, rule_set_version, key, frequency, due_day_of_month, due_month, due_day,
			 offset_days, applies_when, title, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, uuid.NewString(), version, t.Key, t.Frequency,
		nullableInt64(t.DueDayOfMonth), nullableInt64(t.DueMonth), nullableInt64(t.DueDay),
		nullableInt64(t.OffsetDays), appliesWhenJSON, t.Title, t.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template %q: %w", t.Key, ErrAlreadyExists)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
		}
		return fmt.Errorf("failed to insert deadline template: %w", err)
	}
	return s.touchRuleSet(version)
}

func (s *PostgresRuleSetStore) UpdateTemplate(version string, t engine.DeadlineTemplate) error {
	appliesWhenJSON, err := marshalAppliesWhen(t)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE deadline_templates
		SET frequency = $1, due_day_of_month = $2, due_month = $3, due_day = $4,
		    offset_days = $5, applies_when = $6, title = $7, description = $8, updated_at = NOW()
		WHERE rule_set_version = $9 AND key = $10
	`, t.Frequency, nullableInt64(t.DueDayOfMonth), nullableInt64(t.DueMonth),
		nullableInt64(t.DueDay), nullableInt64(t.OffsetDays), appliesWhenJSON,
		t.Title, t.Description, version, t.Key)
	if err != nil {
		return fmt.Errorf("failed to update deadline template: %w", err)
	}
	return s.requireAffected(result, version, "template", t.Key)
}

func (s *PostgresRuleSetStore) DeleteTemplate(version, key string) error {
	result, err := s.db.Exec(`
		DELETE FROM deadline_templates WHERE rule_set_version = $1 AND key = $2
	`, version, key)
	if err != nil {
		return fmt.Errorf("failed to delete deadline template: %w", err)
	}
	return s.requireAffected(result, version, "template", key)
}

func (s *PostgresRuleSetStore) touchRuleSet(version string) error {
	if _, err := s.db.Exec(`
		UPDATE rule_sets SET updated_at = NOW() WHERE version = $1
	`, version); err != nil {
		return fmt.Errorf("failed to touch rule set: %w", err)
	}
	return nil
}

func (s *PostgresRuleSetStore) requireAffected(result sql.Result, version, kind, key string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %q in rule set %q: %w", kind, key, version, ErrNotFound)
	}
	return s.touchRuleSet(version)
}

func marshalRule(r engine.Rule) (conditions, outcome []byte, err error) {
	if conditions, err = json.Marshal(r.Conditions); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	if r.Outcome == nil {
		outcome = []byte("{}")
		return conditions, outcome, nil
	}
	if outcome, err = json.Marshal(r.Outcome); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return conditions, outcome, nil
}

func marshalAppliesWhen(t engine.DeadlineTemplate) ([]byte, error) {
	if t.AppliesWhen == nil {
		return nil, nil
	}
	b, err := json.Marshal(t.AppliesWhen)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal appliesWhen: %w", err)
	}
	return b, nil
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullableInt64(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// isUniqueViolation and isForeignKeyViolation translate lib/pq error codes
// into the store's sentinel errors.
func isUniqueViolation(err error) bool {
	return hasPqCode(err, "23505")
}

func isForeignKeyViolation(err error) bool {
	return hasPqCode(err, "23503")
}

func hasPqCode(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}
