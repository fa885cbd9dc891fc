package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"SwapLedger/migrations"

	"github.com/rs/zerolog"
)

// migrationLockID serializes migrators of concurrently starting replicas.
const migrationLockID = 0x5357_4150 // "SWAP"

// Migrator applies {version}_{name}.up.sql scripts from a file system in
// version order and records each in public.schema_migrations.
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger zerolog.Logger
}

// NewMigrator reads scripts from fsys: migrations.FS for the embedded
// schema, os.DirFS for a directory on disk.
func NewMigrator(db *sql.DB, fsys fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, logger: logger}
}

// MigrationSource picks the scripts: dir on disk when set, the embedded
// schema otherwise.
func MigrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// Up applies every pending script. Each runs in its own transaction
// together with its bookkeeping row.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func() error {
		applied, err := m.appliedVersions(ctx)
		if err != nil {
			return err
		}
		files, err := ListMigrations(m.fsys, ".up.sql")
		if err != nil {
			return err
		}

		for _, f := range files {
			version := migrationVersion(f)
			if applied[version] {
				continue
			}
			err := m.exec(ctx, f, `INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`, version, f)
			if err != nil {
				return err
			}
			m.logger.Info().Str("file", f).Msg("applied migration")
		}
		return nil
	})
}

// Down reverts the newest applied script.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func() error {
		var version, filename string
		err := m.db.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		down := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		if err := m.exec(ctx, down, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return err
		}
		m.logger.Info().Str("file", down).Msg("rolled back migration")
		return nil
	})
}

// Status maps every up script to whether it has been applied.
func (m *Migrator) Status(ctx context.Context) (map[string]bool, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	files, err := ListMigrations(m.fsys, ".up.sql")
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[f] = applied[migrationVersion(f)]
	}
	return out, nil
}

// exec runs script file and the bookkeeping statement in one transaction.
func (m *Migrator) exec(ctx context.Context, file, record string, args ...interface{}) error {
	script, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	return tx.Commit()
}

// locked runs fn while holding a session advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func() error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	return fn()
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// ListMigrations returns the top-level files of fsys ending in suffix,
// sorted by name.
func ListMigrations(fsys fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationVersion is the numeric prefix: 000001_swap_log.up.sql -> 000001
func migrationVersion(filename string) string {
	v, _, _ := strings.Cut(filename, "_")
	return v
}
