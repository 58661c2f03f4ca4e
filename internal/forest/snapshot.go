package forest

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/merkle"
	"go.uber.org/zap"
)

// PartitionSnapshot is the persisted layout of one partition: its metadata,
// the ids of its records in leaf order and the algorithm its root was
// computed with.
type PartitionSnapshot struct {
	Info      PartitionInfo    `json:"info"`
	RecordIDs []uuid.UUID      `json:"record_ids"`
	Algorithm merkle.Algorithm `json:"algorithm"`
}

// Snapshot returns the layout of the named partitions, or of every
// partition when ids is empty.
func (f *Forest) Snapshot(ids ...PartitionID) ([]PartitionSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(ids) == 0 {
		ids = f.sortedIDs()
	}
	out := make([]PartitionSnapshot, 0, len(ids))
	for _, pid := range ids {
		tree, ok := f.trees[pid]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, pid)
		}
		records := tree.Records()
		snap := PartitionSnapshot{
			Info:      f.info[pid],
			RecordIDs: make([]uuid.UUID, len(records)),
			Algorithm: f.hasher.Algorithm(),
		}
		for i, r := range records {
			snap.RecordIDs[i] = r.ID
		}
		out = append(out, snap)
	}
	return out, nil
}

// Restore rebuilds a forest from persisted partition layouts. Record bodies
// come from lookup. Each tree keeps the persisted root rather than one
// derived from the loaded records, so a record that was altered or lost
// since the snapshot makes its partition fail VerifyAll.
//
// A snapshot whose algorithm differs from cfg.HashAlgorithm is rejected with
// ErrAlgorithmMismatch; its root cannot be compared with anything this forest
// computes. Snapshots without an algorithm are assumed to match.
func Restore(cfg Config, parts []PartitionSnapshot, lookup func(uuid.UUID) (audit.Record, bool), logger *zap.Logger) (*Forest, error) {
	f, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}

	for _, p := range parts {
		pid := p.Info.ID
		if _, ok := f.trees[pid]; ok {
			return nil, fmt.Errorf("restore: partition %s listed twice", pid)
		}
		if p.Algorithm != "" && p.Algorithm != f.hasher.Algorithm() {
			return nil, fmt.Errorf("restore: partition %s was hashed with %s, forest uses %s: %w",
				pid, p.Algorithm, f.hasher.Algorithm(), ErrAlgorithmMismatch)
		}
		root, err := merkle.ParseHash(p.Info.RootHash)
		if err != nil {
			return nil, fmt.Errorf("restore: partition %s: %w", pid, err)
		}

		records := make([]audit.Record, 0, len(p.RecordIDs))
		for _, id := range p.RecordIDs {
			if owner, ok := f.index[id]; ok {
				return nil, fmt.Errorf("restore: record %s in both %s and %s", id, owner, pid)
			}
			r, ok := lookup(id)
			if !ok {
				f.logger.Warn("record missing from store",
					zap.String("partition", string(pid)),
					zap.String("record", id.String()),
				)
				continue
			}
			records = append(records, audit.Normalize(r))
		}

		tree := merkle.Restore(records, root, f.hasher)
		f.trees[pid] = tree
		f.info[pid] = p.Info
		f.indexTree(pid, tree)
	}

	f.logger.Info("forest restored",
		zap.Int("partitions", len(f.trees)),
		zap.Int("records", len(f.index)),
	)
	return f, nil
}
