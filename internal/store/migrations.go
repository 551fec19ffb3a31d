package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"call-sync-engine/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
	    version    TEXT PRIMARY KEY,
	    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// RunMigrations applies embedded migrations not yet recorded in
// schema_migrations, each in its own transaction, in file name order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		content, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		ran, err := s.applyMigration(ctx, version, strings.TrimSpace(string(content)))
		if err != nil {
			return err
		}
		if ran {
			applied++
			logging.Info().Str("version", version).Msg("migration applied")
		}
	}
	logging.Debug().Int("applied", applied).Int("known", len(names)).Msg("schema up to date")
	return nil
}

func (s *Postgres) applyMigration(ctx context.Context, version, sql string) (bool, error) {
	ran := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if sql != "" {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
		}
		ran = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply migration %s: %w", version, err)
	}
	return ran, nil
}
