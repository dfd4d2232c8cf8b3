package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresSnapshotStore implements SnapshotStore backed by PostgreSQL. Rows
// are insert-only; the table carries no update path.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a PostgreSQL-backed SnapshotStore.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) Insert(snap *Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	profileJSON, err := json.Marshal(snap.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	outputsJSON, err := json.Marshal(snap.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}
	explanationsJSON, err := json.Marshal(snap.Explanations)
	if err != nil {
		return fmt.Errorf("failed to marshal explanations: %w", err)
	}
	matchedJSON, err := json.Marshal(snap.MatchedRules)
	if err != nil {
		return fmt.Errorf("failed to marshal matched rules: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO evaluation_snapshots
			(id, business_id, rule_set_version, year, profile, outputs, explanations, matched_rules, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, snap.ID, snap.BusinessID, snap.RuleSetVersion, snap.Year,
		profileJSON, outputsJSON, explanationsJSON, matchedJSON, snap.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snapshot %q: %w", snap.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) Get(id string) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, business_id, rule_set_version, year, profile, outputs, explanations, matched_rules, created_at
		FROM evaluation_snapshots
		WHERE id = $1
	`, id)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresSnapshotStore) ListByBusiness(businessID string) ([]*Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, business_id, rule_set_version, year, profile, outputs, explanations, matched_rules, created_at
		FROM evaluation_snapshots
		WHERE business_id = $1
		ORDER BY created_at DESC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var profileJSON, outputsJSON, explanationsJSON, matchedJSON []byte

	err := row.Scan(&snap.ID, &snap.BusinessID, &snap.RuleSetVersion, &snap.Year,
		&profileJSON, &outputsJSON, &explanationsJSON, &matchedJSON, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(profileJSON, &snap.Profile); err != nil {
		return nil, fmt.Errorf("invalid profile payload: %w", err)
	}
	if err := json.Unmarshal(outputsJSON, &snap.Outputs); err != nil {
		return nil, fmt.Errorf("invalid outputs payload: %w", err)
	}
	if err := json.Unmarshal(explanationsJSON, &snap.Explanations); err != nil {
		return nil, fmt.Errorf("invalid explanations payload: %w", err)
	}
	if err := json.Unmarshal(matchedJSON, &snap.MatchedRules); err != nil {
		return nil, fmt.Errorf("invalid matched rules payload: %w", err)
	}
	return &snap, nil
}
