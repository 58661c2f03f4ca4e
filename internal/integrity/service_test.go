package integrity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/internal/merkle"
	"github.com/jmerrifield20/AuditForest/internal/proofcache"
	"go.uber.org/zap"
)

var ctx = context.Background()

// ── Stubs ────────────────────────────────────────────────────────────────

type stubMetrics struct {
	mu          sync.Mutex
	ingested    int
	proofs      map[string]int
	compactions int
	sweeps      int
	partitions  int
	records     int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{proofs: make(map[string]int)}
}

func (m *stubMetrics) RecordIngest(n int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingested += n
}

func (m *stubMetrics) RecordProof(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proofs[result]++
}

func (m *stubMetrics) RecordCompaction(int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactions++
}

func (m *stubMetrics) RecordVerification(forest.VerificationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
}

func (m *stubMetrics) SetForestSize(partitions, records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions, m.records = partitions, records
}

// tamperStore rewrites one record's subject on every read.
type tamperStore struct {
	*audit.MemoryStore
	target uuid.UUID
}

func (s *tamperStore) GetAll(ctx context.Context) ([]audit.Record, error) {
	recs, err := s.MemoryStore.GetAll(ctx)
	for i := range recs {
		if recs[i].ID == s.target {
			recs[i].SubjectID = "someone-else"
		}
	}
	return recs, err
}

// failingLayouts fails every save.
type failingLayouts struct{ *MemoryLayoutStore }

func (failingLayouts) SaveLayout(context.Context, []forest.PartitionSnapshot, []forest.PartitionID) error {
	return errors.New("disk full")
}

// ── Helpers ──────────────────────────────────────────────────────────────

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func rec(statute string, offset time.Duration) audit.Record {
	return audit.Record{
		ID:        uuid.New(),
		Timestamp: base.Add(offset),
		StatuteID: statute,
		SubjectID: "subject-1",
		Payload:   []byte(`{"outcome":"granted"}`),
	}
}

func statuteConfig() forest.Config {
	cfg := forest.DefaultConfig()
	cfg.Strategy = forest.StrategyStatute
	cfg.MaxRecordsPerTree = 40
	return cfg
}

func newService(t *testing.T, store audit.Store, layouts LayoutStore, cfg forest.Config) *Service {
	t.Helper()
	svc, err := New(ctx, store, layouts, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestIngest_storesAndPartitions(t *testing.T) {
	store := audit.NewMemoryStore()
	layouts := NewMemoryLayoutStore()
	svc := newService(t, store, layouts, statuteConfig())
	m := newStubMetrics()
	svc.SetMetrics(m)

	res, err := svc.Ingest(ctx, []audit.Record{rec("GDPR-17", 0), rec("CCPA", time.Second), rec("GDPR-17", 2*time.Second)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Accepted != 3 || len(res.Partitions) != 2 {
		t.Errorf("result = %+v", res)
	}
	if n, _ := store.Count(ctx); n != 3 {
		t.Errorf("store count = %d, want 3", n)
	}
	layout, _ := layouts.LoadLayout(ctx)
	if len(layout) != 2 {
		t.Errorf("layout partitions = %d, want 2", len(layout))
	}
	if m.ingested != 3 || m.partitions != 2 || m.records != 3 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestIngest_rejectsDuplicatesBeforeWriting(t *testing.T) {
	store := audit.NewMemoryStore()
	svc := newService(t, store, NewMemoryLayoutStore(), statuteConfig())

	r := rec("S1", 0)
	if _, err := svc.Ingest(ctx, []audit.Record{r}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Ingest(ctx, []audit.Record{rec("S1", time.Second), r})
	if !errors.Is(err, forest.ErrDuplicateRecord) {
		t.Fatalf("err = %v, want ErrDuplicateRecord", err)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("store count = %d, want 1", n)
	}
}

func TestIngest_rejectsInvalid(t *testing.T) {
	svc := newService(t, audit.NewMemoryStore(), NewMemoryLayoutStore(), statuteConfig())
	bad := rec("S1", 0)
	bad.Payload = nil
	if _, err := svc.Ingest(ctx, []audit.Record{bad}); !errors.Is(err, forest.ErrInvalidRecord) {
		t.Errorf("err = %v, want ErrInvalidRecord", err)
	}
	res, err := svc.Ingest(ctx, nil)
	if err != nil || res.Accepted != 0 {
		t.Errorf("empty ingest = %+v, %v", res, err)
	}
}

func TestProof_cachedUntilPartitionChanges(t *testing.T) {
	svc := newService(t, audit.NewMemoryStore(), NewMemoryLayoutStore(), statuteConfig())
	svc.SetProofCache(proofcache.NewMemoryCache(time.Minute))
	m := newStubMetrics()
	svc.SetMetrics(m)

	r := rec("S1", 0)
	if _, err := svc.Ingest(ctx, []audit.Record{r}); err != nil {
		t.Fatal(err)
	}
	first, err := svc.Proof(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Proof(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if m.proofs[ProofComputed] != 1 || m.proofs[ProofCached] != 1 {
		t.Fatalf("proof metrics = %v", m.proofs)
	}

	if _, err := svc.Ingest(ctx, []audit.Record{rec("S1", time.Second)}); err != nil {
		t.Fatal(err)
	}
	second, err := svc.Proof(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.proofs[ProofComputed] != 2 {
		t.Errorf("expected recompute after rebuild, metrics = %v", m.proofs)
	}
	if first.RootHash == second.RootHash {
		t.Error("root did not change after rebuild")
	}
	ok, err := svc.VerifyProof(ctx, second)
	if err != nil || !ok {
		t.Errorf("VerifyProof = %v, %v", ok, err)
	}
	if ok, _ := svc.VerifyProof(ctx, first); ok {
		t.Error("stale proof verified")
	}
}

func TestProof_notFound(t *testing.T) {
	svc := newService(t, audit.NewMemoryStore(), NewMemoryLayoutStore(), statuteConfig())
	m := newStubMetrics()
	svc.SetMetrics(m)
	if _, err := svc.Proof(ctx, uuid.New()); !errors.Is(err, forest.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
	if m.proofs[ProofNotFound] != 1 {
		t.Errorf("proof metrics = %v", m.proofs)
	}
}

func TestRestart_preservesCountLayout(t *testing.T) {
	cfg := forest.DefaultConfig()
	cfg.Strategy = forest.StrategyCount
	store := audit.NewMemoryStore()
	layouts := NewMemoryLayoutStore()

	svc := newService(t, store, layouts, cfg)
	a, b, c := rec("S1", 0), rec("S1", time.Second), rec("S1", 2*time.Second)
	if _, err := svc.Ingest(ctx, []audit.Record{a, b}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ingest(ctx, []audit.Record{c}); err != nil {
		t.Fatal(err)
	}
	want, _ := svc.Proof(ctx, c.ID)

	restarted := newService(t, store, layouts, cfg)
	got, err := restarted.Proof(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PartitionID != "count-1" || got.RootHash != want.RootHash {
		t.Errorf("proof after restart = %s/%s, want count-1/%s", got.PartitionID, got.RootHash, want.RootHash)
	}
	if res := restarted.VerifyAll(ctx); !res.Valid() {
		t.Errorf("VerifyAll after restart = %+v", res)
	}
}

func TestRestart_recoversRecordsMissingFromLayout(t *testing.T) {
	store := audit.NewMemoryStore()
	layouts := NewMemoryLayoutStore()
	svc := newService(t, store, layouts, statuteConfig())
	if _, err := svc.Ingest(ctx, []audit.Record{rec("S1", 0)}); err != nil {
		t.Fatal(err)
	}

	// Stored, but the process stopped before the layout was saved.
	orphan := rec("S2", time.Minute)
	if err := store.Store(ctx, orphan); err != nil {
		t.Fatal(err)
	}

	restarted := newService(t, store, layouts, statuteConfig())
	if restarted.Forest().TotalRecordCount() != 2 {
		t.Fatalf("TotalRecordCount = %d, want 2", restarted.Forest().TotalRecordCount())
	}
	if _, err := restarted.Proof(ctx, orphan.ID); err != nil {
		t.Errorf("orphan not provable: %v", err)
	}
	layout, _ := layouts.LoadLayout(ctx)
	if len(layout) != 2 {
		t.Errorf("layout partitions = %d, want 2", len(layout))
	}
}

func TestRestart_detectsRecordAlteredAtRest(t *testing.T) {
	mem := audit.NewMemoryStore()
	layouts := NewMemoryLayoutStore()
	svc := newService(t, mem, layouts, statuteConfig())
	victim := rec("S1", 0)
	if _, err := svc.Ingest(ctx, []audit.Record{victim, rec("S1", time.Second), rec("S2", 0)}); err != nil {
		t.Fatal(err)
	}

	restarted := newService(t, &tamperStore{MemoryStore: mem, target: victim.ID}, layouts, statuteConfig())
	res := restarted.VerifyAll(ctx)
	if res.FailedCount() != 1 || res.FailedPartitions[0] != "statute-S1" {
		t.Errorf("VerifyAll = %+v", res)
	}
}

func TestOptimize_persistsLayout(t *testing.T) {
	store := audit.NewMemoryStore()
	layouts := NewMemoryLayoutStore()
	svc := newService(t, store, layouts, statuteConfig())
	m := newStubMetrics()
	svc.SetMetrics(m)

	recs := []audit.Record{rec("A", 0), rec("B", 0), rec("C", 0)}
	if _, err := svc.Ingest(ctx, recs); err != nil {
		t.Fatal(err)
	}
	removed, err := svc.Optimize(ctx)
	if err != nil || removed != 3 {
		t.Fatalf("Optimize = %d, %v", removed, err)
	}
	layout, _ := layouts.LoadLayout(ctx)
	if len(layout) != 1 || len(layout[0].RecordIDs) != 3 {
		t.Fatalf("layout after optimize = %+v", layout)
	}
	if m.compactions != 1 || m.partitions != 1 {
		t.Errorf("metrics = %+v", m)
	}

	restarted := newService(t, store, layouts, statuteConfig())
	for _, r := range recs {
		p, err := restarted.Proof(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if p.PartitionID != layout[0].Info.ID {
			t.Errorf("record %s in %s after restart", r.ID, p.PartitionID)
		}
	}

	if removed, err := svc.Optimize(ctx); err != nil || removed != 0 {
		t.Errorf("second Optimize = %d, %v", removed, err)
	}
}

func TestIngest_layoutFailureIsReported(t *testing.T) {
	store := audit.NewMemoryStore()
	svc := newService(t, store, failingLayouts{NewMemoryLayoutStore()}, statuteConfig())
	if _, err := svc.Ingest(ctx, []audit.Record{rec("S1", 0)}); err == nil {
		t.Fatal("expected layout error")
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("store count = %d, want 1", n)
	}
}

// restartTampered ingests victim plus records for S2 and S3, then restarts
// the service over a store that alters victim on load.
func restartTampered(t *testing.T) (*Service, *audit.MemoryStore, *MemoryLayoutStore, audit.Record) {
	t.Helper()
	mem := audit.NewMemoryStore()
	layouts := NewMemoryLayoutStore()
	svc := newService(t, mem, layouts, statuteConfig())
	victim := rec("S1", 0)
	if _, err := svc.Ingest(ctx, []audit.Record{victim, rec("S2", 0), rec("S3", 0)}); err != nil {
		t.Fatal(err)
	}
	restarted := newService(t, &tamperStore{MemoryStore: mem, target: victim.ID}, layouts, statuteConfig())
	return restarted, mem, layouts, victim
}

func layoutRoot(t *testing.T, layouts LayoutStore, pid forest.PartitionID) string {
	t.Helper()
	snaps, err := layouts.LoadLayout(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range snaps {
		if s.Info.ID == pid {
			return s.Info.RootHash
		}
	}
	t.Fatalf("partition %s not in layout", pid)
	return ""
}

func TestCompactor_keepsEvidenceOfTampering(t *testing.T) {
	svc, _, layouts, _ := restartTampered(t)
	root := layoutRoot(t, layouts, "statute-S1")

	var alerted forest.VerificationResult
	c := NewCompactor(svc, CompactorConfig{}, zap.NewNop())
	c.SetFailureHook(func(_ context.Context, res forest.VerificationResult) { alerted = res })

	for i := 0; i < 2; i++ {
		res := c.RunOnce(ctx)
		if res.FailedCount() != 1 || res.FailedPartitions[0] != "statute-S1" {
			t.Fatalf("sweep %d: %+v", i, res)
		}
	}
	if alerted.FailedCount() != 1 {
		t.Errorf("failure hook got %+v", alerted)
	}
	if svc.Forest().PartitionCount() != 2 {
		t.Errorf("PartitionCount = %d, want statute-S1 plus one merged partition", svc.Forest().PartitionCount())
	}
	if got := layoutRoot(t, layouts, "statute-S1"); got != root {
		t.Errorf("persisted root of statute-S1 changed: %s -> %s", root, got)
	}
}

func TestIngest_refusesTamperedPartition(t *testing.T) {
	svc, mem, layouts, _ := restartTampered(t)
	root := layoutRoot(t, layouts, "statute-S1")

	_, err := svc.Ingest(ctx, []audit.Record{rec("S1", time.Minute)})
	if !errors.Is(err, forest.ErrIntegrityFailure) {
		t.Fatalf("Ingest = %v, want ErrIntegrityFailure", err)
	}
	if n, _ := mem.Count(ctx); n != 3 {
		t.Errorf("store count = %d, want 3 (refused batch must not be stored)", n)
	}
	if got := layoutRoot(t, layouts, "statute-S1"); got != root {
		t.Errorf("persisted root of statute-S1 changed")
	}
	if res := svc.VerifyAll(ctx); res.FailedCount() != 1 {
		t.Errorf("VerifyAll = %+v", res)
	}

	if _, err := svc.Ingest(ctx, []audit.Record{rec("S4", 0)}); err != nil {
		t.Errorf("Ingest into healthy partition: %v", err)
	}
}

func TestRestart_orphanForTamperedPartitionLeftUnindexed(t *testing.T) {
	mem := audit.NewMemoryStore()
	layouts := NewMemoryLayoutStore()
	svc := newService(t, mem, layouts, statuteConfig())
	victim := rec("S1", 0)
	if _, err := svc.Ingest(ctx, []audit.Record{victim}); err != nil {
		t.Fatal(err)
	}

	blocked, healthy := rec("S1", time.Second), rec("S9", 0)
	if err := mem.StoreBatch(ctx, []audit.Record{blocked, healthy}); err != nil {
		t.Fatal(err)
	}

	restarted := newService(t, &tamperStore{MemoryStore: mem, target: victim.ID}, layouts, statuteConfig())
	if _, err := restarted.Proof(ctx, healthy.ID); err != nil {
		t.Errorf("healthy orphan not recovered: %v", err)
	}
	if _, err := restarted.Proof(ctx, blocked.ID); !errors.Is(err, forest.ErrRecordNotFound) {
		t.Errorf("orphan for tampered partition: %v, want ErrRecordNotFound", err)
	}
	if res := restarted.VerifyAll(ctx); res.FailedCount() != 1 || res.FailedPartitions[0] != "statute-S1" {
		t.Errorf("VerifyAll = %+v", res)
	}
}

func TestRestart_rejectsChangedHashAlgorithm(t *testing.T) {
	store := audit.NewMemoryStore()
	layouts := NewMemoryLayoutStore()
	svc := newService(t, store, layouts, statuteConfig())
	if _, err := svc.Ingest(ctx, []audit.Record{rec("S1", 0)}); err != nil {
		t.Fatal(err)
	}

	cfg := statuteConfig()
	cfg.HashAlgorithm = merkle.BLAKE2b256
	if _, err := New(ctx, store, layouts, cfg, zap.NewNop()); !errors.Is(err, forest.ErrAlgorithmMismatch) {
		t.Errorf("New with blake2b-256 = %v, want ErrAlgorithmMismatch", err)
	}
}
