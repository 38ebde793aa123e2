package trade

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("trade not found")
	ErrStaleSequence = errors.New("stale sequence")
)

// Store is the trade entity store: an in-memory projection of current trade
// state with compare-and-swap on the sequence field. All mutation goes
// through Apply; no caller writes trade state directly.
type Store struct {
	mu     sync.RWMutex
	trades map[uuid.UUID]*Trade
}

func NewStore() *Store {
	return &Store{
		trades: make(map[uuid.UUID]*Trade),
	}
}

// Create registers a new trade in DRAFT at sequence 0.
func (s *Store) Create(t *Trade) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trades[t.ID]; exists {
		return nil, fmt.Errorf("trade %s already exists", t.ID)
	}

	cp := t.Clone()
	cp.State = StateDraft
	cp.Sequence = 0
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]string)
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.trades[t.ID] = cp
	return cp.Clone(), nil
}

// Get returns a copy of the trade's current projection.
func (s *Store) Get(id uuid.UUID) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// Apply commits a new state and metadata for the trade iff the stored
// sequence still equals expectedSequence. On success the sequence advances
// by exactly 1. On a stale sequence nothing is mutated and ErrStaleSequence
// is returned — the caller must reload and retry.
func (s *Store) Apply(id uuid.UUID, expectedSequence int64, next State, metadata map[string]string) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}

	if t.Sequence != expectedSequence {
		return nil, fmt.Errorf("%w: trade=%s expected=%d stored=%d",
			ErrStaleSequence, id, expectedSequence, t.Sequence)
	}

	t.State = next
	t.Sequence++
	for k, v := range metadata {
		t.Metadata[k] = v
	}
	t.UpdatedAt = time.Now().UTC()

	return t.Clone(), nil
}

// Count returns the number of trades in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}
