package forest

import (
	"time"

	"github.com/jmerrifield20/AuditForest/internal/merkle"
)

// PartitionInfo is the metadata kept for every partition. It changes each
// time records are added to the partition and is never touched by proof
// operations.
type PartitionInfo struct {
	ID          PartitionID `json:"id"`
	RecordCount int         `json:"record_count"`
	CreatedAt   time.Time   `json:"created_at"`
	LastUpdated time.Time   `json:"last_updated"`
	RootHash    string      `json:"root_hash"`
}

// refresh copies size and root from a freshly built tree.
func (p *PartitionInfo) refresh(tree *merkle.Tree, now time.Time) {
	p.RecordCount = tree.Len()
	p.LastUpdated = now
	p.RootHash = ""
	if root, ok := tree.Root(); ok {
		p.RootHash = root.String()
	}
}

// matches reports whether the cached metadata still describes tree.
func (p PartitionInfo) matches(tree *merkle.Tree) bool {
	if p.RecordCount != tree.Len() {
		return false
	}
	root, ok := tree.Root()
	if !ok {
		return p.RootHash == ""
	}
	return p.RootHash == root.String()
}
