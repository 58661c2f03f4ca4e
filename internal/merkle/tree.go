package merkle

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/audit"
)

// ErrLeafIndexOutOfRange is returned by GenerateProof for a position outside
// the tree.
var ErrLeafIndexOutOfRange = errors.New("leaf index out of range")

// Tree is a binary hash tree over an ordered sequence of audit records.
//
// Leaves are record hashes in insertion order. Each interior node is
// H(left || right); when a level has an odd number of nodes the last one is
// paired with itself. A Tree is never updated in place: any change to the
// record set means building a new one. It is therefore safe for concurrent
// reads.
type Tree struct {
	hasher  Hasher
	records []audit.Record
	levels  [][]Hash // levels[0] are leaves, the last level holds the root
	root    Hash
	hasRoot bool
}

// New returns an empty tree. It has no root.
func New(h Hasher) *Tree {
	return &Tree{hasher: h.orDefault()}
}

// FromRecords builds a tree over records in the given order.
// Empty input yields a tree with no root.
func FromRecords(records []audit.Record, h Hasher) *Tree {
	t := &Tree{hasher: h.orDefault()}
	t.records = append(make([]audit.Record, 0, len(records)), records...)
	t.levels = buildLevels(t.hasher, t.records)
	if n := len(t.levels); n > 0 {
		t.root = t.levels[n-1][0]
		t.hasRoot = true
	}
	return t
}

// Restore builds a tree over records but keeps root, a previously
// persisted root hash, as its cached root instead of the recomputed one.
// If the records were altered at rest, VerifyIntegrity reports it and no
// proof from the tree will verify.
func Restore(records []audit.Record, root Hash, h Hasher) *Tree {
	t := FromRecords(records, h)
	if t.hasRoot {
		t.root = root
	}
	return t
}

func buildLevels(h Hasher, records []audit.Record) [][]Hash {
	if len(records) == 0 {
		return nil
	}
	leaves := make([]Hash, len(records))
	for i, r := range records {
		leaves[i] = h.Leaf(r)
	}

	levels := [][]Hash{leaves}
	for cur := leaves; len(cur) > 1; {
		next := make([]Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			right := cur[i]
			if i+1 < len(cur) {
				right = cur[i+1]
			}
			next = append(next, h.Node(cur[i], right))
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

// Root returns the root hash; ok is false for an empty tree.
func (t *Tree) Root() (root Hash, ok bool) {
	return t.root, t.hasRoot
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.records)
}

// Hasher returns the hasher the tree was built with.
func (t *Tree) Hasher() Hasher {
	return t.hasher
}

// Records returns a copy of the records in leaf order.
func (t *Tree) Records() []audit.Record {
	return append(make([]audit.Record, 0, len(t.records)), t.records...)
}

// IndexOf scans the leaves for a record id.
func (t *Tree) IndexOf(id uuid.UUID) (int, bool) {
	for i, r := range t.records {
		if r.ID == id {
			return i, true
		}
	}
	return -1, false
}

// GenerateProof returns the sibling path from leaf index to the root.
func (t *Tree) GenerateProof(index int) (*Proof, error) {
	if index < 0 || index >= len(t.records) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrLeafIndexOutOfRange, index, len(t.records))
	}

	steps := make([]Step, 0, len(t.levels)-1)
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		if idx%2 == 1 {
			steps = append(steps, Step{Hash: level[idx-1], Left: true})
		} else {
			sib := idx + 1
			if sib >= len(level) {
				sib = idx
			}
			steps = append(steps, Step{Hash: level[sib]})
		}
		idx /= 2
	}
	return &Proof{LeafIndex: index, Steps: steps}, nil
}

// VerifyProof recomputes the root from r and p and compares it to the
// tree's root. A mismatch is reported as false, never as an error.
func (t *Tree) VerifyProof(r audit.Record, p *Proof) bool {
	if !t.hasRoot {
		return false
	}
	return VerifyPath(t.hasher, r, p, t.root)
}

// VerifyIntegrity rebuilds the tree from its own records and compares the
// result with the cached root.
func (t *Tree) VerifyIntegrity() bool {
	levels := buildLevels(t.hasher, t.records)
	if len(levels) == 0 {
		return !t.hasRoot
	}
	return t.hasRoot && levels[len(levels)-1][0] == t.root
}
