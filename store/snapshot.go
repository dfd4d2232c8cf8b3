package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taxpadi/engine/engine"
)

// Snapshot is an immutable, timestamped record of one evaluation: the inputs
// it ran with, the merged outputs, and which rule explains which field. It is
// persisted for audit and never updated.
type Snapshot struct {
	ID             string               `json:"id"`
	BusinessID     string               `json:"businessId"`
	RuleSetVersion string               `json:"ruleSetVersion"`
	Year           int                  `json:"year"`
	Profile        engine.Profile       `json:"profile"`
	Outputs        map[string]any       `json:"outputs"`
	Explanations   map[string]string    `json:"explanations"`
	MatchedRules   []engine.MatchedRule `json:"matchedRules"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// SnapshotStore is an append-only audit log of evaluations. There is
// deliberately no update or delete.
type SnapshotStore interface {
	// Insert persists the snapshot, assigning ID and CreatedAt when unset.
	Insert(snap *Snapshot) error
	Get(id string) (*Snapshot, error)
	// ListByBusiness returns a business's snapshots, newest first.
	ListByBusiness(businessID string) ([]*Snapshot, error)
}

// InMemorySnapshotStore implements SnapshotStore with in-memory maps.
type InMemorySnapshotStore struct {
	byID       map[string]*Snapshot
	byBusiness map[string][]*Snapshot
	mu         sync.RWMutex
}

// NewInMemorySnapshotStore creates an empty in-memory snapshot store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{
		byID:       make(map[string]*Snapshot),
		byBusiness: make(map[string][]*Snapshot),
	}
}

func (s *InMemorySnapshotStore) Insert(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.byID[snap.ID]; exists {
		return fmt.Errorf("snapshot %q: %w", snap.ID, ErrAlreadyExists)
	}

	s.byID[snap.ID] = snap
	s.byBusiness[snap.BusinessID] = append([]*Snapshot{snap}, s.byBusiness[snap.BusinessID]...)
	return nil
}

func (s *InMemorySnapshotStore) Get(id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, exists := s.byID[id]
	if !exists {
		return nil, fmt.Errorf("snapshot %q: %w", id, ErrNotFound)
	}
	return snap, nil
}

func (s *InMemorySnapshotStore) ListByBusiness(businessID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.byBusiness[businessID]
	out := make([]*Snapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}
