package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[uuid.UUID]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]int)}
}

// Store implements Store.
func (s *MemoryStore) Store(ctx context.Context, rec Record) error {
	return s.StoreBatch(ctx, []Record{rec})
}

// StoreBatch implements Store.
func (s *MemoryStore) StoreBatch(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(recs))
	for _, r := range recs {
		if _, ok := s.byID[r.ID]; ok {
			return fmt.Errorf("store %s: %w", r.ID, ErrDuplicate)
		}
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("store %s: %w", r.ID, ErrDuplicate)
		}
		seen[r.ID] = struct{}{}
	}

	for _, r := range recs {
		s.byID[r.ID] = len(s.records)
		s.records = append(s.records, Normalize(r))
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.records[i], nil
}

// GetAll implements Store.
func (s *MemoryStore) GetAll(_ context.Context) ([]Record, error) {
	return s.filter(func(Record) bool { return true }), nil
}

// GetByStatute implements Store.
func (s *MemoryStore) GetByStatute(_ context.Context, statuteID string) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.StatuteID == statuteID }), nil
}

// GetBySubject implements Store.
func (s *MemoryStore) GetBySubject(_ context.Context, subjectID string) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.SubjectID == subjectID }), nil
}

// GetByTimeRange implements Store.
func (s *MemoryStore) GetByTimeRange(_ context.Context, start, end time.Time) ([]Record, error) {
	out := s.filter(func(r Record) bool {
		return !r.Timestamp.Before(start) && r.Timestamp.Before(end)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// LastHash implements Store.
func (s *MemoryStore) LastHash(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return "", nil
	}
	return s.records[len(s.records)-1].RecordHash, nil
}

func (s *MemoryStore) filter(keep func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
