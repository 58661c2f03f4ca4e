// cmd/migrate applies the embedded *.up.sql migrations to the database named
// by database.url (or DATABASE_URL). Applied versions are tracked in a
// schema_migrations table compatible with golang-migrate.
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/AuditForest/internal/config"
	"github.com/jmerrifield20/AuditForest/migrations"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		dbURL = cfg.Database.URL
	}
	if dbURL == "" {
		return errors.New("no database configured: set DATABASE_URL or database.url")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := upMigrations(migrations.FS)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range files {
		var done bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			m.version,
		).Scan(&done); err != nil {
			return fmt.Errorf("check %s: %w", m.name, err)
		}
		if done {
			logger.Debug("migration already applied", zap.String("file", m.name))
			continue
		}

		sql, err := fs.ReadFile(migrations.FS, m.name)
		if err != nil {
			return fmt.Errorf("read %s: %w", m.name, err)
		}
		if err := apply(ctx, db, m.version, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		logger.Info("migration applied", zap.String("file", m.name), zap.Int64("version", m.version))
		applied++
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
	return nil
}

// apply runs one migration in a transaction together with its bookkeeping.
func apply(ctx context.Context, db *pgxpool.Pool, version int64, sql string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)
		 ON CONFLICT (version) DO UPDATE SET dirty = false`, version,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type migration struct {
	name    string
	version int64
}

// upMigrations lists *.up.sql files ordered by version.
func upMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(names))
	seen := make(map[int64]string)
	for _, name := range names {
		v, err := versionFromFile(name)
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", name, err)
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, v)
		}
		seen[v] = name
		out = append(out, migration{name: name, version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// versionFromFile extracts the leading integer: "002_forest_partitions.up.sql" → 2.
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("expected <version>_<name>.up.sql")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
