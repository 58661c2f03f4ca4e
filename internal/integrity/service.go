// Package integrity ties the audit record store to the partitioned forest.
// It owns ingest ordering, layout persistence and crash recovery, and is
// the only writer of both.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/internal/proofcache"
	"go.uber.org/zap"
)

// Metrics receives service events. The api package provides the Prometheus
// implementation.
type Metrics interface {
	RecordIngest(records int, elapsed time.Duration)
	RecordProof(result string)
	RecordCompaction(removed int)
	RecordVerification(res forest.VerificationResult)
	SetForestSize(partitions, records int)
}

type nopMetrics struct{}

func (nopMetrics) RecordIngest(int, time.Duration)              {}
func (nopMetrics) RecordProof(string)                           {}
func (nopMetrics) RecordCompaction(int)                         {}
func (nopMetrics) RecordVerification(forest.VerificationResult) {}
func (nopMetrics) SetForestSize(int, int)                       {}

// Proof request outcomes reported to Metrics.
const (
	ProofCached   = "cached"
	ProofComputed = "computed"
	ProofNotFound = "not_found"
	ProofError    = "error"
)

// IngestResult reports what an Ingest call did.
type IngestResult struct {
	Accepted   int                  `json:"accepted"`
	Partitions []forest.PartitionID `json:"partitions"`
}

// Service serialises writers over the record store, the forest and the
// persisted layout. Readers go straight to the forest.
type Service struct {
	mu      sync.Mutex
	store   audit.Store
	layouts LayoutStore
	forest  *forest.Forest
	cache   proofcache.Cache
	metrics Metrics
	logger  *zap.Logger
}

// New loads the persisted layout, rebuilds the forest from the store and
// re-adds any stored record the layout does not mention, which happens when
// a previous process stopped between storing a batch and saving its layout.
func New(ctx context.Context, store audit.Store, layouts LayoutStore, cfg forest.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:   store,
		layouts: layouts,
		cache:   proofcache.Nop{},
		metrics: nopMetrics{},
		logger:  logger,
	}
	if err := s.restore(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// SetProofCache configures the proof cache.
func (s *Service) SetProofCache(c proofcache.Cache) {
	if c == nil {
		c = proofcache.Nop{}
	}
	s.cache = c
}

// SetMetrics configures the metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	s.metrics = m
	m.SetForestSize(s.forest.PartitionCount(), s.forest.TotalRecordCount())
}

func (s *Service) restore(ctx context.Context, cfg forest.Config) error {
	layout, err := s.layouts.LoadLayout(ctx)
	if err != nil {
		return fmt.Errorf("load forest layout: %w", err)
	}
	records, err := s.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load audit records: %w", err)
	}

	byID := make(map[uuid.UUID]audit.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	f, err := forest.Restore(cfg, layout, func(id uuid.UUID) (audit.Record, bool) {
		r, ok := byID[id]
		return r, ok
	}, s.logger)
	if err != nil {
		return err
	}
	s.forest = f

	var orphans []audit.Record
	for _, r := range records {
		if _, err := f.Route(r.ID); errors.Is(err, forest.ErrRecordNotFound) {
			orphans = append(orphans, r)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	s.logger.Warn("re-adding records missing from forest layout", zap.Int("records", len(orphans)))
	touched, err := f.AddRecords(orphans)
	if errors.Is(err, forest.ErrIntegrityFailure) {
		touched, err = s.recoverEach(f, orphans)
	}
	if err != nil {
		return fmt.Errorf("recover orphaned records: %w", err)
	}
	return s.saveLayout(ctx, touched, nil)
}

// recoverEach re-adds orphans one at a time so records bound for a
// partition that failed its integrity check do not hold back the rest.
// Those records stay in the store and are retried on the next start.
func (s *Service) recoverEach(f *forest.Forest, orphans []audit.Record) ([]forest.PartitionID, error) {
	var touched []forest.PartitionID
	seen := make(map[forest.PartitionID]struct{})
	for _, r := range orphans {
		pids, err := f.AddRecords([]audit.Record{r})
		if errors.Is(err, forest.ErrIntegrityFailure) {
			s.logger.Error("orphaned record targets a tampered partition, left unindexed",
				zap.String("record", r.ID.String()), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, pid := range pids {
			if _, ok := seen[pid]; !ok {
				seen[pid] = struct{}{}
				touched = append(touched, pid)
			}
		}
	}
	return touched, nil
}

// Forest exposes the underlying forest for read-only use.
func (s *Service) Forest() *forest.Forest {
	return s.forest
}

// Ingest stores a batch and adds it to the forest. Records are validated
// against both the store and the forest before anything is written, so a
// batch bound for a partition that failed its integrity check is refused
// without being stored.
func (s *Service) Ingest(ctx context.Context, records []audit.Record) (IngestResult, error) {
	if len(records) == 0 {
		return IngestResult{Partitions: []forest.PartitionID{}}, nil
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make([]audit.Record, len(records))
	for i, r := range records {
		batch[i] = audit.Normalize(r)
	}
	if err := s.forest.CheckRecords(batch); err != nil {
		if errors.Is(err, forest.ErrIntegrityFailure) {
			s.logger.Warn("ingest refused", zap.Error(err))
		}
		return IngestResult{}, err
	}

	if err := s.store.StoreBatch(ctx, batch); err != nil {
		if errors.Is(err, audit.ErrDuplicate) {
			return IngestResult{}, fmt.Errorf("%w: %v", forest.ErrDuplicateRecord, err)
		}
		return IngestResult{}, fmt.Errorf("store batch: %w", err)
	}

	touched, err := s.forest.AddRecords(batch)
	if err != nil {
		// The records are stored; the next restart re-adds them.
		s.logger.Error("forest rejected stored batch", zap.Error(err))
		return IngestResult{}, err
	}
	if err := s.saveLayout(ctx, touched, nil); err != nil {
		s.logger.Error("save forest layout", zap.Error(err))
		return IngestResult{}, err
	}

	s.metrics.RecordIngest(len(batch), time.Since(start))
	s.metrics.SetForestSize(s.forest.PartitionCount(), s.forest.TotalRecordCount())
	return IngestResult{Accepted: len(batch), Partitions: touched}, nil
}

func (s *Service) saveLayout(ctx context.Context, save []forest.PartitionID, remove []forest.PartitionID) error {
	var snaps []forest.PartitionSnapshot
	if len(save) > 0 {
		var err error
		if snaps, err = s.forest.Snapshot(save...); err != nil {
			return err
		}
	}
	if err := s.layouts.SaveLayout(ctx, snaps, remove); err != nil {
		return fmt.Errorf("save forest layout: %w", err)
	}
	return nil
}

// Record fetches a stored record.
func (s *Service) Record(ctx context.Context, id uuid.UUID) (audit.Record, error) {
	return s.store.Get(ctx, id)
}

// Proof returns an inclusion proof for a record, from the cache when the
// record's partition has not changed since it was last computed.
func (s *Service) Proof(ctx context.Context, id uuid.UUID) (*forest.Proof, error) {
	pid, err := s.forest.Route(id)
	if err != nil {
		s.metrics.RecordProof(ProofNotFound)
		return nil, err
	}
	if info, err := s.forest.Partition(pid); err == nil {
		if p, ok := s.cache.Get(ctx, proofcache.Key(pid, info.RootHash, id)); ok {
			s.metrics.RecordProof(ProofCached)
			return p, nil
		}
	}

	p, err := s.forest.GenerateProof(id)
	if err != nil {
		if errors.Is(err, forest.ErrRecordNotFound) {
			s.metrics.RecordProof(ProofNotFound)
		} else {
			s.metrics.RecordProof(ProofError)
			s.logger.Error("generate proof", zap.String("record", id.String()), zap.Error(err))
		}
		return nil, err
	}
	s.cache.Set(ctx, proofcache.Key(p.PartitionID, p.RootHash, id), p)
	s.metrics.RecordProof(ProofComputed)
	return p, nil
}

// VerifyProof checks a proof against the stored copy of its record and the
// partition's current root.
func (s *Service) VerifyProof(ctx context.Context, p *forest.Proof) (bool, error) {
	r, err := s.store.Get(ctx, p.RecordID)
	if err != nil {
		return false, err
	}
	return s.forest.VerifyProof(r, p)
}

// VerifyAll checks every partition.
func (s *Service) VerifyAll(_ context.Context) forest.VerificationResult {
	res := s.forest.VerifyAll()
	s.metrics.RecordVerification(res)
	if !res.Valid() {
		s.logger.Warn("forest verification failed",
			zap.Int("failed", res.FailedCount()),
			zap.Int("partitions", res.TotalPartitions),
		)
	}
	return res
}

// Optimize compacts undersized partitions and persists the new layout.
func (s *Service) Optimize(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := partitionSet(s.forest.Partitions())
	removed, err := s.forest.Optimize()
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	after := partitionSet(s.forest.Partitions())

	var save, drop []forest.PartitionID
	for pid := range after {
		if _, ok := before[pid]; !ok {
			save = append(save, pid)
		}
	}
	for pid := range before {
		if _, ok := after[pid]; !ok {
			drop = append(drop, pid)
		}
	}
	if err := s.saveLayout(ctx, save, drop); err != nil {
		s.logger.Error("save forest layout after compaction", zap.Error(err))
		return removed, err
	}

	s.metrics.RecordCompaction(removed)
	s.metrics.SetForestSize(s.forest.PartitionCount(), s.forest.TotalRecordCount())
	return removed, nil
}

func partitionSet(infos []forest.PartitionInfo) map[forest.PartitionID]struct{} {
	m := make(map[forest.PartitionID]struct{}, len(infos))
	for _, info := range infos {
		m[info.ID] = struct{}{}
	}
	return m
}

// Stats returns forest statistics.
func (s *Service) Stats() forest.Stats {
	return s.forest.Stats()
}

// Partitions lists partition metadata.
func (s *Service) Partitions() []forest.PartitionInfo {
	return s.forest.Partitions()
}

// Partition returns one partition's metadata.
func (s *Service) Partition(pid forest.PartitionID) (forest.PartitionInfo, error) {
	return s.forest.Partition(pid)
}
