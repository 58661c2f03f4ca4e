package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const selectColumns = `SELECT id, ts, statute_id, subject_id, record_hash, payload FROM audit_records`

// PostgresStore persists audit records to a PostgreSQL database.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Store implements Store.
func (s *PostgresStore) Store(ctx context.Context, rec Record) error {
	return s.StoreBatch(ctx, []Record{rec})
}

// StoreBatch implements Store. All rows are inserted in a single transaction.
func (s *PostgresStore) StoreBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range recs {
		r = Normalize(r)
		// Stored as BYTEA so the bytes read back still hash to RecordHash.
		var payload []byte
		if len(r.Payload) > 0 {
			payload = []byte(r.Payload)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_records (id, ts, statute_id, subject_id, record_hash, payload)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.Timestamp, r.StatuteID, r.SubjectID, r.RecordHash, payload,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("insert %s: %w", r.ID, ErrDuplicate)
			}
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}

	s.logger.Debug("audit records stored", zap.Int("count", len(recs)))
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get audit record %s: %w", id, err)
	}
	return rec, nil
}

// GetAll implements Store.
func (s *PostgresStore) GetAll(ctx context.Context) ([]Record, error) {
	return s.query(ctx, selectColumns+` ORDER BY seq ASC`)
}

// GetByStatute implements Store.
func (s *PostgresStore) GetByStatute(ctx context.Context, statuteID string) ([]Record, error) {
	return s.query(ctx, selectColumns+` WHERE statute_id = $1 ORDER BY seq ASC`, statuteID)
}

// GetBySubject implements Store.
func (s *PostgresStore) GetBySubject(ctx context.Context, subjectID string) ([]Record, error) {
	return s.query(ctx, selectColumns+` WHERE subject_id = $1 ORDER BY seq ASC`, subjectID)
}

// GetByTimeRange implements Store.
func (s *PostgresStore) GetByTimeRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	return s.query(ctx,
		selectColumns+` WHERE ts >= $1 AND ts < $2 ORDER BY ts ASC, seq ASC`,
		start.UTC(), end.UTC(),
	)
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

// LastHash implements Store.
func (s *PostgresStore) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		"SELECT record_hash FROM audit_records ORDER BY seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get last record hash: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		payload []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.StatuteID,
		&rec.SubjectID, &rec.RecordHash, &payload,
	); err != nil {
		return Record{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if len(payload) > 0 {
		rec.Payload = payload
	}
	return rec, nil
}
