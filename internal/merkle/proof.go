package merkle

import "github.com/jmerrifield20/AuditForest/internal/audit"

// Step is one sibling on the path from a leaf to the root.
// Left reports that the sibling sits to the left of the running hash, so the
// parent is H(sibling || running); otherwise it is H(running || sibling).
type Step struct {
	Hash Hash `json:"hash"`
	Left bool `json:"left"`
}

// Proof is an inclusion proof for the leaf at LeafIndex.
type Proof struct {
	LeafIndex int    `json:"leaf_index"`
	Steps     []Step `json:"steps"`
}

// ComputeRoot replays the proof path starting from leaf.
// ok is false when a step's Left flag disagrees with the parity of
// LeafIndex at that level.
func (p *Proof) ComputeRoot(h Hasher, leaf Hash) (root Hash, ok bool) {
	h = h.orDefault()
	if p.LeafIndex < 0 {
		return Hash{}, false
	}
	current := leaf
	idx := p.LeafIndex
	for _, step := range p.Steps {
		if step.Left != (idx%2 == 1) {
			return Hash{}, false
		}
		if step.Left {
			current = h.Node(step.Hash, current)
		} else {
			current = h.Node(current, step.Hash)
		}
		idx /= 2
	}
	if idx != 0 {
		return Hash{}, false
	}
	return current, true
}

// VerifyPath reports whether r is included under root according to p.
// It needs nothing but the record, the proof and the expected root, so it
// can run without the tree that produced the proof.
func VerifyPath(h Hasher, r audit.Record, p *Proof, root Hash) bool {
	if p == nil {
		return false
	}
	h = h.orDefault()
	computed, ok := p.ComputeRoot(h, h.Leaf(r))
	return ok && computed == root
}
