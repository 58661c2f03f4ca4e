package forest

import "errors"

var (
	// ErrRecordNotFound is returned when a record id is not in the routing index.
	ErrRecordNotFound = errors.New("record not found in forest")

	// ErrPartitionNotFound is returned when a partition id does not exist.
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrInconsistent signals that the forest's own bookkeeping disagrees with
	// itself, e.g. the routing index names a partition that does not hold the
	// record. It indicates a bug or corruption, not absent data.
	ErrInconsistent = errors.New("forest storage inconsistent")

	// ErrDuplicateRecord rejects a batch containing an id the forest already
	// holds, or the same id twice.
	ErrDuplicateRecord = errors.New("duplicate record id")

	// ErrInvalidRecord rejects a record without an id or record hash.
	ErrInvalidRecord = errors.New("invalid audit record")

	// ErrIntegrityFailure refuses a rebuild of a partition whose records no
	// longer match its recorded root.
	ErrIntegrityFailure = errors.New("partition failed integrity check")

	// ErrAlgorithmMismatch rejects a persisted layout written with a
	// different hash algorithm than the forest is configured for.
	ErrAlgorithmMismatch = errors.New("hash algorithm mismatch")
)
