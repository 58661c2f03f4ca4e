package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/AuditForest/internal/audit"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HashSize is the digest length of every supported algorithm.
const HashSize = 32

// Hash is a single tree node digest.
type Hash [HashSize]byte

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes h as hex so proofs serialise as readable JSON.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex digest.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex-encoded digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Algorithm names a digest function usable for leaves and nodes.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// ParseAlgorithm maps a configuration string to an Algorithm.
// The empty string selects SHA256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA256:
		return SHA256, nil
	case SHA3_256:
		return SHA3_256, nil
	case BLAKE2b256:
		return BLAKE2b256, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", s)
	}
}

// Hasher computes leaf and interior node digests with one fixed algorithm.
type Hasher struct {
	alg Algorithm
	sum func([]byte) [HashSize]byte
}

// NewHasher returns a Hasher for alg.
func NewHasher(alg Algorithm) (Hasher, error) {
	switch alg {
	case SHA256, "":
		return Hasher{alg: SHA256, sum: sha256.Sum256}, nil
	case SHA3_256:
		return Hasher{alg: SHA3_256, sum: sha3.Sum256}, nil
	case BLAKE2b256:
		return Hasher{alg: BLAKE2b256, sum: blake2b.Sum256}, nil
	default:
		return Hasher{}, fmt.Errorf("unknown hash algorithm %q", alg)
	}
}

// DefaultHasher returns the SHA-256 Hasher.
func DefaultHasher() Hasher {
	return Hasher{alg: SHA256, sum: sha256.Sum256}
}

// Algorithm reports which digest function h uses.
func (h Hasher) Algorithm() Algorithm {
	return h.alg
}

func (h Hasher) orDefault() Hasher {
	if h.sum == nil {
		return DefaultHasher()
	}
	return h
}

// Leaf returns H(LeafData(r)).
func (h Hasher) Leaf(r audit.Record) Hash {
	return h.sum(LeafData(r))
}

// Node returns H(left || right).
func (h Hasher) Node(left, right Hash) Hash {
	buf := make([]byte, 0, 2*HashSize)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return h.sum(buf)
}

// LeafData is the canonical leaf serialisation of a record:
//
//	<id>|<timestamp RFC3339Nano UTC>|<len>:<statute_id>|<len>:<subject_id>|<record_hash>
//
// The two free-form identifiers are length-prefixed so that no pair of
// distinct records shares an encoding. The payload is not part of the leaf;
// record_hash commits to it.
func LeafData(r audit.Record) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d:%s|%d:%s|%s",
		r.ID, r.Timestamp.UTC().Format(time.RFC3339Nano),
		len(r.StatuteID), r.StatuteID,
		len(r.SubjectID), r.SubjectID,
		r.RecordHash,
	))
}
