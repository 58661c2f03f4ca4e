package forest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/AuditForest/internal/merkle"
)

// Strategy selects how records are assigned to partitions.
// The set of strategies is closed.
type Strategy int

const (
	// StrategyTemporal buckets records by timestamp into fixed-width windows.
	StrategyTemporal Strategy = iota
	// StrategyCount keys a batch by the number of partitions that exist when
	// it is added.
	StrategyCount
	// StrategyStatute gives every statute id its own partition.
	StrategyStatute
	// StrategySubject gives every subject id its own partition.
	StrategySubject
	// StrategyHashBased spreads records by record id modulo a partition count.
	StrategyHashBased
)

var strategyNames = map[Strategy]string{
	StrategyTemporal:  "temporal",
	StrategyCount:     "count",
	StrategyStatute:   "statute",
	StrategySubject:   "subject",
	StrategyHashBased: "hash",
}

// String returns the configuration name of s.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("unknown partition strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy maps a configuration name to a Strategy. "hash_based" and
// "hashbased" are accepted as aliases of "hash".
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "temporal":
		return StrategyTemporal, nil
	case "count":
		return StrategyCount, nil
	case "statute":
		return StrategyStatute, nil
	case "subject":
		return StrategySubject, nil
	case "hash", "hash_based", "hashbased":
		return StrategyHashBased, nil
	default:
		return 0, fmt.Errorf("unknown partition strategy %q", name)
	}
}

// Config is fixed when a Forest is created and never mutated afterwards.
type Config struct {
	Strategy Strategy

	// MaxRecordsPerTree is the target partition size. Partitions holding
	// fewer than a quarter of it are candidates for Optimize.
	MaxRecordsPerTree int

	// TemporalPartitionHours is the bucket width for StrategyTemporal.
	TemporalPartitionHours int

	// HashAlgorithm is the digest used by every partition tree.
	HashAlgorithm merkle.Algorithm

	// HashBuckets freezes the StrategyHashBased modulus. Zero keeps the
	// adaptive behaviour, where the modulus is the live partition count.
	HashBuckets int
}

// DefaultConfig returns daily temporal partitions of up to 10,000 records
// hashed with SHA-256.
func DefaultConfig() Config {
	return Config{
		Strategy:               StrategyTemporal,
		MaxRecordsPerTree:      10_000,
		TemporalPartitionHours: 24,
		HashAlgorithm:          merkle.SHA256,
	}
}

// Validate checks that c can drive a Forest.
func (c Config) Validate() error {
	var errs []error
	if _, ok := strategyNames[c.Strategy]; !ok {
		errs = append(errs, fmt.Errorf("unknown partition strategy %d", int(c.Strategy)))
	}
	if c.MaxRecordsPerTree <= 0 {
		errs = append(errs, errors.New("max_records_per_tree must be positive"))
	}
	if c.TemporalPartitionHours <= 0 {
		errs = append(errs, errors.New("temporal_partition_hours must be positive"))
	}
	if c.HashBuckets < 0 {
		errs = append(errs, errors.New("hash_buckets must not be negative"))
	}
	if _, err := merkle.NewHasher(c.HashAlgorithm); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
