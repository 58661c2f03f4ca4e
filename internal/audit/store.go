package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record id is not present in the store.
	ErrNotFound = errors.New("audit record not found")

	// ErrDuplicate is returned when a record id has already been stored.
	ErrDuplicate = errors.New("audit record already stored")
)

// Store persists audit records. It is the storage collaborator that feeds
// the integrity forest; the forest itself never depends on it.
// Both MemoryStore and PostgresStore implement this interface.
type Store interface {
	// Store persists a single record.
	Store(ctx context.Context, rec Record) error

	// StoreBatch persists all records or none of them.
	StoreBatch(ctx context.Context, recs []Record) error

	// Get returns the record with the given id.
	Get(ctx context.Context, id uuid.UUID) (Record, error)

	// GetAll returns every record in insertion order.
	GetAll(ctx context.Context) ([]Record, error)

	// GetByStatute returns records for one statute in insertion order.
	GetByStatute(ctx context.Context, statuteID string) ([]Record, error)

	// GetBySubject returns records for one subject in insertion order.
	GetBySubject(ctx context.Context, subjectID string) ([]Record, error)

	// GetByTimeRange returns records with start <= timestamp < end,
	// ordered by timestamp.
	GetByTimeRange(ctx context.Context, start, end time.Time) ([]Record, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// LastHash returns the record hash of the most recently stored record,
	// or "" when the store is empty.
	LastHash(ctx context.Context) (string, error)
}
