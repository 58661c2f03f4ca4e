// Package proofcache caches forest inclusion proofs.
//
// A proof is only valid for the partition root it was generated against, so
// keys embed that root. Adding records to a partition changes its root and
// old entries are simply never asked for again; they age out by TTL.
package proofcache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/forest"
)

// Cache stores proofs by Key. Implementations must be safe for concurrent
// use. A backend failure is reported as a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*forest.Proof, bool)
	Set(ctx context.Context, key string, p *forest.Proof)
}

// Key identifies the proof of one record under one partition root.
func Key(pid forest.PartitionID, root string, id uuid.UUID) string {
	return fmt.Sprintf("proof:%s:%s:%s", pid, root, id)
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (*forest.Proof, bool) { return nil, false }
func (Nop) Set(context.Context, string, *forest.Proof)        {}
