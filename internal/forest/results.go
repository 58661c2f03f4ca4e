package forest

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/merkle"
)

// Proof is an inclusion proof for one record, tied to the partition and the
// partition root it was generated against. It stops verifying as soon as
// that partition is rebuilt.
type Proof struct {
	RecordID    uuid.UUID        `json:"record_id"`
	PartitionID PartitionID      `json:"partition_id"`
	RootHash    string           `json:"root_hash"`
	Algorithm   merkle.Algorithm `json:"algorithm"`
	merkle.Proof
}

// Check verifies the proof against its own RootHash without a forest.
// An error means the proof itself is malformed; a tampered record is
// reported as false.
func (p *Proof) Check(r audit.Record) (bool, error) {
	root, err := merkle.ParseHash(p.RootHash)
	if err != nil {
		return false, fmt.Errorf("proof root: %w", err)
	}
	h, err := merkle.NewHasher(p.Algorithm)
	if err != nil {
		return false, fmt.Errorf("proof algorithm: %w", err)
	}
	r = audit.Normalize(r)
	return r.ID == p.RecordID && merkle.VerifyPath(h, r, &p.Proof, root), nil
}

// VerificationResult is the outcome of VerifyAll.
type VerificationResult struct {
	TotalPartitions    int           `json:"total_partitions"`
	VerifiedPartitions int           `json:"verified_partitions"`
	FailedPartitions   []PartitionID `json:"failed_partitions"`
	TotalRecords       int           `json:"total_records"`
}

// FailedCount returns the number of partitions that failed verification.
func (v VerificationResult) FailedCount() int {
	return len(v.FailedPartitions)
}

// Valid reports whether every partition verified.
func (v VerificationResult) Valid() bool {
	return len(v.FailedPartitions) == 0
}

// SuccessRate is the verified fraction of partitions. An empty forest has
// nothing to fail and reports 1.
func (v VerificationResult) SuccessRate() float64 {
	if v.TotalPartitions == 0 {
		return 1
	}
	return float64(v.VerifiedPartitions) / float64(v.TotalPartitions)
}

// Stats summarises partition sizes.
type Stats struct {
	PartitionCount       int      `json:"partition_count"`
	TotalRecords         int      `json:"total_records"`
	AveragePartitionSize float64  `json:"average_partition_size"`
	MinPartitionSize     int      `json:"min_partition_size"`
	MaxPartitionSize     int      `json:"max_partition_size"`
	Strategy             Strategy `json:"strategy"`
}
