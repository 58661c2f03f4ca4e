package forest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/merkle"
	"go.uber.org/zap"
)

// Forest partitions an unbounded audit trail into independent hash trees.
//
// The forest exclusively owns its trees, their metadata and the routing
// index from record id to partition. Writers (AddRecords, Optimize) hold the
// lock exclusively; proof generation, verification and statistics share it.
type Forest struct {
	mu     sync.RWMutex
	cfg    Config
	hasher merkle.Hasher
	trees  map[PartitionID]*merkle.Tree
	info   map[PartitionID]PartitionInfo
	index  map[uuid.UUID]PartitionID
	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty Forest.
func New(cfg Config, logger *zap.Logger) (*Forest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("forest config: %w", err)
	}
	h, err := merkle.NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forest{
		cfg:    cfg,
		hasher: h,
		trees:  make(map[PartitionID]*merkle.Tree),
		info:   make(map[PartitionID]PartitionInfo),
		index:  make(map[uuid.UUID]PartitionID),
		now:    time.Now,
		logger: logger,
	}, nil
}

// SetClock replaces the time source used for partition timestamps and
// compaction ids.
func (f *Forest) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Config returns the configuration the forest was created with.
func (f *Forest) Config() Config {
	return f.cfg
}

// AddRecords appends a batch. Every record's partition is derived against
// the forest as it was before the batch; each affected partition is then
// rebuilt from its old records followed by the new ones. The batch is
// applied entirely or not at all. It returns the touched partitions in the
// order they first appear in the batch.
//
// A batch that would rebuild a partition failing its integrity check is
// refused with ErrIntegrityFailure.
func (f *Forest) AddRecords(records []audit.Record) ([]PartitionID, error) {
	if len(records) == 0 {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	groups, order, err := f.plan(records)
	if err != nil {
		return nil, err
	}

	staged := make(map[PartitionID]*merkle.Tree, len(order))
	for _, pid := range order {
		var existing []audit.Record
		if tree, ok := f.trees[pid]; ok {
			existing = tree.Records()
		}
		staged[pid] = merkle.FromRecords(append(existing, groups[pid]...), f.hasher)
	}

	now := f.now().UTC()
	for _, pid := range order {
		tree := staged[pid]
		info, ok := f.info[pid]
		if !ok {
			info = PartitionInfo{ID: pid, CreatedAt: now}
		}
		info.refresh(tree, now)
		f.trees[pid] = tree
		f.info[pid] = info
		f.indexTree(pid, tree)

		f.logger.Debug("partition rebuilt",
			zap.String("partition", string(pid)),
			zap.Int("added", len(groups[pid])),
			zap.Int("records", info.RecordCount),
			zap.String("root", info.RootHash),
		)
	}
	return order, nil
}

// CheckRecords reports the error AddRecords would return for records
// without changing the forest.
func (f *Forest) CheckRecords(records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, _, err := f.plan(records)
	return err
}

// plan validates a batch and groups it by target partition. The caller
// holds f.mu.
func (f *Forest) plan(records []audit.Record) (map[PartitionID][]audit.Record, []PartitionID, error) {
	batch := make([]audit.Record, len(records))
	seen := make(map[uuid.UUID]struct{}, len(records))
	for i, r := range records {
		r = audit.Normalize(r)
		if r.ID == uuid.Nil {
			return nil, nil, fmt.Errorf("%w: record %d has no id", ErrInvalidRecord, i)
		}
		if r.RecordHash == "" {
			return nil, nil, fmt.Errorf("%w: record %s has no record hash", ErrInvalidRecord, r.ID)
		}
		if _, ok := f.index[r.ID]; ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateRecord, r.ID)
		}
		if _, ok := seen[r.ID]; ok {
			return nil, nil, fmt.Errorf("%w: %s repeated in batch", ErrDuplicateRecord, r.ID)
		}
		seen[r.ID] = struct{}{}
		batch[i] = r
	}

	partitions := len(f.trees)
	groups := make(map[PartitionID][]audit.Record)
	var order []PartitionID
	for _, r := range batch {
		pid := f.cfg.partitionKey(r, partitions)
		if _, ok := groups[pid]; !ok {
			order = append(order, pid)
		}
		groups[pid] = append(groups[pid], r)
	}

	for _, pid := range order {
		if _, exists := f.trees[pid]; exists && !f.healthy(pid) {
			return nil, nil, fmt.Errorf("%w: %w: refusing to rebuild %s", ErrInconsistent, ErrIntegrityFailure, pid)
		}
	}
	return groups, order, nil
}

// healthy reports whether a partition's records still hash to its cached
// root and metadata. The caller holds f.mu.
func (f *Forest) healthy(pid PartitionID) bool {
	tree, ok := f.trees[pid]
	if !ok {
		return false
	}
	info, ok := f.info[pid]
	return ok && tree.VerifyIntegrity() && info.matches(tree)
}

// indexTree points every record of tree at pid.
func (f *Forest) indexTree(pid PartitionID, tree *merkle.Tree) {
	for _, r := range tree.Records() {
		f.index[r.ID] = pid
	}
}

// Route returns the partition currently holding a record.
func (f *Forest) Route(id uuid.UUID) (PartitionID, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pid, ok := f.index[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return pid, nil
}

// GenerateProof builds an inclusion proof for a record against its
// partition's current root.
func (f *Forest) GenerateProof(id uuid.UUID) (*Proof, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pid, ok := f.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	tree, ok := f.trees[pid]
	if !ok {
		return nil, fmt.Errorf("%w: record %s routed to missing partition %s", ErrInconsistent, id, pid)
	}
	idx, ok := tree.IndexOf(id)
	if !ok {
		return nil, fmt.Errorf("%w: partition %s does not hold record %s", ErrInconsistent, pid, id)
	}
	mp, err := tree.GenerateProof(idx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	root, _ := tree.Root()

	return &Proof{
		RecordID:    id,
		PartitionID: pid,
		RootHash:    root.String(),
		Algorithm:   f.hasher.Algorithm(),
		Proof:       *mp,
	}, nil
}

// VerifyProof checks p against the current tree of the partition it names.
// It fails with ErrPartitionNotFound if that partition no longer exists; a
// cryptographically invalid proof is reported as false.
func (f *Forest) VerifyProof(r audit.Record, p *Proof) (bool, error) {
	if p == nil {
		return false, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	tree, ok := f.trees[p.PartitionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPartitionNotFound, p.PartitionID)
	}
	return tree.VerifyProof(audit.Normalize(r), &p.Proof), nil
}

// VerifyAll re-derives every partition root from its records and compares
// it with the cached root and partition metadata.
func (f *Forest) VerifyAll() VerificationResult {
	f.mu.RLock()
	defer f.mu.RUnlock()

	res := VerificationResult{FailedPartitions: []PartitionID{}}
	for _, pid := range f.sortedIDs() {
		res.TotalPartitions++
		res.TotalRecords += f.trees[pid].Len()
		if f.healthy(pid) {
			res.VerifiedPartitions++
			continue
		}
		res.FailedPartitions = append(res.FailedPartitions, pid)
		f.logger.Warn("partition failed integrity check", zap.String("partition", string(pid)))
	}
	return res
}

// Optimize merges every partition holding fewer than a quarter of
// MaxRecordsPerTree records into a single new partition named
// "optimized-<unix seconds>". It returns how many partitions were removed,
// which is zero when fewer than two partitions qualify. Partitions failing
// their integrity check are never merged.
func (f *Forest) Optimize() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var small []PartitionInfo
	for _, info := range f.info {
		if info.RecordCount*4 >= f.cfg.MaxRecordsPerTree {
			continue
		}
		if _, ok := f.trees[info.ID]; ok && !f.healthy(info.ID) {
			f.logger.Warn("skipping compaction of partition that failed integrity check",
				zap.String("partition", string(info.ID)))
			continue
		}
		small = append(small, info)
	}
	if len(small) < 2 {
		return 0, nil
	}
	sort.Slice(small, func(i, j int) bool {
		if !small[i].CreatedAt.Equal(small[j].CreatedAt) {
			return small[i].CreatedAt.Before(small[j].CreatedAt)
		}
		return small[i].ID < small[j].ID
	})

	var merged []audit.Record
	for _, info := range small {
		tree, ok := f.trees[info.ID]
		if !ok {
			return 0, fmt.Errorf("%w: partition %s has metadata but no tree", ErrInconsistent, info.ID)
		}
		merged = append(merged, tree.Records()...)
	}

	for _, info := range small {
		delete(f.trees, info.ID)
		delete(f.info, info.ID)
	}

	now := f.now().UTC()
	pid := f.compactionID(now)
	tree := merkle.FromRecords(merged, f.hasher)
	info := PartitionInfo{ID: pid, CreatedAt: now}
	info.refresh(tree, now)
	f.trees[pid] = tree
	f.info[pid] = info
	f.indexTree(pid, tree)

	f.logger.Info("partitions compacted",
		zap.Int("removed", len(small)),
		zap.String("partition", string(pid)),
		zap.Int("records", info.RecordCount),
	)
	return len(small), nil
}

func (f *Forest) compactionID(now time.Time) PartitionID {
	base := fmt.Sprintf("optimized-%d", now.Unix())
	pid := PartitionID(base)
	for n := 2; ; n++ {
		if _, taken := f.trees[pid]; !taken {
			return pid
		}
		pid = PartitionID(fmt.Sprintf("%s-%d", base, n))
	}
}

// PartitionCount returns the number of partitions.
func (f *Forest) PartitionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees)
}

// TotalRecordCount returns the number of records across all partitions.
func (f *Forest) TotalRecordCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.index)
}

// Partition returns the metadata of one partition.
func (f *Forest) Partition(pid PartitionID) (PartitionInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.info[pid]
	if !ok {
		return PartitionInfo{}, fmt.Errorf("%w: %s", ErrPartitionNotFound, pid)
	}
	return info, nil
}

// Partitions returns metadata for every partition ordered by creation time.
func (f *Forest) Partitions() []PartitionInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PartitionInfo, 0, len(f.info))
	for _, pid := range f.sortedIDs() {
		if info, ok := f.info[pid]; ok {
			out = append(out, info)
		}
	}
	return out
}

// Stats summarises the current partition sizes.
func (f *Forest) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st := Stats{Strategy: f.cfg.Strategy, PartitionCount: len(f.trees)}
	first := true
	for _, tree := range f.trees {
		n := tree.Len()
		if first || n < st.MinPartitionSize {
			first = false
			st.MinPartitionSize = n
		}
		if n > st.MaxPartitionSize {
			st.MaxPartitionSize = n
		}
		st.TotalRecords += n
	}
	if st.PartitionCount > 0 {
		st.AveragePartitionSize = float64(st.TotalRecords) / float64(st.PartitionCount)
	}
	return st
}

// sortedIDs orders partitions by creation time, then id. Callers hold mu.
func (f *Forest) sortedIDs() []PartitionID {
	ids := make([]PartitionID, 0, len(f.trees))
	for pid := range f.trees {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := f.info[ids[i]], f.info[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}
