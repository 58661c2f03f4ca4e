package forest

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/audit"
)

// PartitionID identifies one partition. Its format depends on the strategy
// that produced it, e.g. "temporal-473352" or "statute-GDPR-17".
type PartitionID string

// partitionKey derives the partition for r. partitions is the number of
// partitions that existed before the current batch was applied; only the
// Count and HashBased strategies read it.
func (c Config) partitionKey(r audit.Record, partitions int) PartitionID {
	switch c.Strategy {
	case StrategyTemporal:
		width := int64(c.TemporalPartitionHours) * 3600
		return PartitionID(fmt.Sprintf("temporal-%d", floorDiv(r.Timestamp.Unix(), width)))
	case StrategyCount:
		return PartitionID(fmt.Sprintf("count-%d", partitions))
	case StrategyStatute:
		return PartitionID("statute-" + r.StatuteID)
	case StrategySubject:
		return PartitionID("subject-" + r.SubjectID)
	case StrategyHashBased:
		n := c.HashBuckets
		if n <= 0 {
			n = max(1, partitions)
		}
		return PartitionID(fmt.Sprintf("hash-%d", idModulo(r.ID, uint64(n))))
	default:
		// Config.Validate rejects anything else before a Forest exists.
		panic(fmt.Sprintf("unknown partition strategy %d", int(c.Strategy)))
	}
}

// floorDiv rounds toward negative infinity so that timestamps before the
// epoch land in the bucket that contains them.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// idModulo treats id as a 128-bit big-endian unsigned integer and returns
// it modulo n.
func idModulo(id uuid.UUID, n uint64) uint64 {
	hi := binary.BigEndian.Uint64(id[:8])
	lo := binary.BigEndian.Uint64(id[8:])
	return bits.Rem64(hi, lo, n)
}
