package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is a single immutable decision record in the audit trail.
//
// Only ID, Timestamp, StatuteID, SubjectID and RecordHash participate in
// partitioning and leaf hashing. Payload is carried opaquely; RecordHash is
// the producer's commitment to it.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	StatuteID  string          `json:"statute_id"`
	SubjectID  string          `json:"subject_id"`
	RecordHash string          `json:"record_hash"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Normalize returns a copy of r in canonical form: the timestamp is in UTC
// and truncated to microseconds, which is the precision PostgreSQL keeps.
// A record that round-trips through storage therefore hashes identically.
// If RecordHash is empty and a payload is present, it is derived from the
// payload bytes.
func Normalize(r Record) Record {
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Microsecond)
	if r.RecordHash == "" && len(r.Payload) > 0 {
		r.RecordHash = ContentHash(r.Payload)
	}
	return r
}

// ContentHash returns the hex-encoded SHA-256 digest of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
