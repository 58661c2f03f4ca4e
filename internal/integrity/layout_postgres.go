package integrity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/internal/merkle"
	"go.uber.org/zap"
)

// layoutLockKey serialises layout writers across auditd replicas.
const layoutLockKey = int64(1_402_559_117)

// PostgresLayoutStore keeps the forest layout in the forest_partitions table.
type PostgresLayoutStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLayoutStore creates a PostgresLayoutStore backed by the given pool.
func NewPostgresLayoutStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLayoutStore {
	return &PostgresLayoutStore{pool: pool, logger: logger}
}

// SaveLayout implements LayoutStore.
func (s *PostgresLayoutStore) SaveLayout(ctx context.Context, save []forest.PartitionSnapshot, remove []forest.PartitionID) error {
	if len(save) == 0 && len(remove) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", layoutLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	if len(remove) > 0 {
		ids := make([]string, len(remove))
		for i, pid := range remove {
			ids[i] = string(pid)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM forest_partitions WHERE partition_id = ANY($1)`, ids,
		); err != nil {
			return fmt.Errorf("delete partitions: %w", err)
		}
	}

	for _, p := range save {
		ids := make([]string, len(p.RecordIDs))
		for i, id := range p.RecordIDs {
			ids[i] = id.String()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO forest_partitions (partition_id, record_count, created_at, updated_at, root_hash, record_ids, hash_algorithm)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (partition_id) DO UPDATE SET
			   record_count = EXCLUDED.record_count,
			   updated_at   = EXCLUDED.updated_at,
			   root_hash    = EXCLUDED.root_hash,
			   record_ids   = EXCLUDED.record_ids`,
			string(p.Info.ID), p.Info.RecordCount, p.Info.CreatedAt, p.Info.LastUpdated, p.Info.RootHash, ids,
		); err != nil {
			return fmt.Errorf("upsert partition %s: %w", p.Info.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit layout tx: %w", err)
	}
	s.logger.Debug("forest layout saved",
		zap.Int("saved", len(save)),
		zap.Int("removed", len(remove)),
	)
	return nil
}

// LoadLayout implements LayoutStore.
func (s *PostgresLayoutStore) LoadLayout(ctx context.Context) ([]forest.PartitionSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT partition_id, record_count, created_at, updated_at, root_hash, record_ids, hash_algorithm
		 FROM forest_partitions ORDER BY created_at ASC, partition_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query forest layout: %w", err)
	}
	defer rows.Close()

	var out []forest.PartitionSnapshot
	for rows.Next() {
		var (
			p    forest.PartitionSnapshot
			pid  string
			ids  []string
			algo string
		)
		if err := rows.Scan(&pid, &p.Info.RecordCount, &p.Info.CreatedAt,
			&p.Info.LastUpdated, &p.Info.RootHash, &ids, &algo); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		p.Info.ID = forest.PartitionID(pid)
		p.Algorithm = merkle.Algorithm(algo)
		p.Info.CreatedAt = p.Info.CreatedAt.UTC()
		p.Info.LastUpdated = p.Info.LastUpdated.UTC()
		p.RecordIDs = make([]uuid.UUID, len(ids))
		for i, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("partition %s: record id %q: %w", pid, raw, err)
			}
			p.RecordIDs[i] = id
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
