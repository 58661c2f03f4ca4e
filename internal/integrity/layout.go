package integrity

import (
	"context"
	"sort"
	"sync"

	"github.com/jmerrifield20/AuditForest/internal/forest"
)

// LayoutStore persists which records each partition holds, in leaf order,
// together with the partition metadata. Count and hash partitioning depend on
// the history of batches, so the layout cannot be recomputed from records.
type LayoutStore interface {
	// SaveLayout upserts save and deletes remove atomically.
	SaveLayout(ctx context.Context, save []forest.PartitionSnapshot, remove []forest.PartitionID) error
	// LoadLayout returns every stored partition ordered by creation time.
	LoadLayout(ctx context.Context) ([]forest.PartitionSnapshot, error)
}

// MemoryLayoutStore is a LayoutStore for tests and single-process use.
type MemoryLayoutStore struct {
	mu    sync.RWMutex
	parts map[forest.PartitionID]forest.PartitionSnapshot
}

// NewMemoryLayoutStore returns an empty MemoryLayoutStore.
func NewMemoryLayoutStore() *MemoryLayoutStore {
	return &MemoryLayoutStore{parts: make(map[forest.PartitionID]forest.PartitionSnapshot)}
}

// SaveLayout implements LayoutStore.
func (m *MemoryLayoutStore) SaveLayout(_ context.Context, save []forest.PartitionSnapshot, remove []forest.PartitionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pid := range remove {
		delete(m.parts, pid)
	}
	for _, s := range save {
		s.RecordIDs = append(s.RecordIDs[:0:0], s.RecordIDs...)
		m.parts[s.Info.ID] = s
	}
	return nil
}

// LoadLayout implements LayoutStore.
func (m *MemoryLayoutStore) LoadLayout(_ context.Context) ([]forest.PartitionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]forest.PartitionSnapshot, 0, len(m.parts))
	for _, s := range m.parts {
		s.RecordIDs = append(s.RecordIDs[:0:0], s.RecordIDs...)
		out = append(out, s)
	}
	sortSnapshots(out)
	return out, nil
}

func sortSnapshots(s []forest.PartitionSnapshot) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i].Info, s[j].Info
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
