package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID is the Postgres advisory lock key held while migrating,
// so two venue processes starting together apply each file once.
const migrationLockID = 0x56454e5545 // "VENUE"

// Migrator applies the {version}_{name}.up.sql / .down.sql files of a
// directory, one transaction per file.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// MigrationStatus is one migration file and whether it has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// Pending returns the up-migration files not yet applied, in order.
func Pending(files []string, applied map[string]bool) []string {
	var out []string
	for _, f := range files {
		if !applied[extractVersion(f)] {
			out = append(out, f)
		}
	}
	return out
}

// Status lists every up-migration in order with its applied flag.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, files, err := m.inventory(ctx, conn)
		if err != nil {
			return err
		}
		for _, f := range files {
			v := extractVersion(f)
			out = append(out, MigrationStatus{Version: v, Filename: f, Applied: applied[v]})
		}
		return nil
	})
	return out, err
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, files, err := m.inventory(ctx, conn)
		if err != nil {
			return err
		}
		pending := Pending(files, applied)
		if len(pending) == 0 {
			m.logger.Info().Int("applied", len(applied)).Msg("schema up to date")
			return nil
		}
		for _, f := range pending {
			err := m.apply(ctx, conn, f,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				extractVersion(f), f)
			if err != nil {
				return err
			}
			m.logger.Info().Str("file", f).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		if err := m.apply(ctx, conn, downFile,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return err
		}
		m.logger.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// locked runs fn on a dedicated connection holding the migration lock,
// after making sure the bookkeeping table exists.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// apply runs one migration file and its bookkeeping statement in a single
// transaction.
func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

// inventory returns the applied versions and the sorted up-migration files.
func (m *Migrator) inventory(ctx context.Context, conn *sql.Conn) (map[string]bool, []string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, nil, err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("list migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return applied, files, nil
}

// extractVersion returns the numeric prefix of a migration filename:
// "000001_event_log.up.sql" gives "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
