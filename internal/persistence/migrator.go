package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migration is one {version}_{name}.up.sql file and its optional .down.sql.
type migration struct {
	version  string
	upFile   string
	up       string
	down     string
	checksum string
}

// Migrator applies the SQL files of a migrations directory in version order.
// Each file runs in its own transaction together with its bookkeeping row.
// An applied migration whose file has since changed stops Up.
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir), logger)
}

func NewMigratorFS(db *sql.DB, fsys fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, logger: logger}
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := loadMigrations(m.fsys)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedChecksums(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	pending := 0
	for _, mig := range migrations {
		sum, done := applied[mig.version]
		if done {
			if sum != "" && sum != mig.checksum {
				return fmt.Errorf("migration %s changed after it was applied", mig.upFile)
			}
			continue
		}
		m.logger.Info().Str("file", mig.upFile).Msg("applying migration")
		err := m.inTx(ctx, mig.up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mig.version, mig.upFile, mig.checksum)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", mig.upFile, err)
		}
		pending++
	}
	m.logger.Info().Int("applied", pending).Int("known", len(migrations)).Msg("migrations up to date")
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	migrations, err := loadMigrations(m.fsys)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	var target *migration
	for i := range migrations {
		if migrations[i].version == version {
			target = &migrations[i]
		}
	}
	if target == nil || target.down == "" {
		return fmt.Errorf("no down migration for version %s", version)
	}

	err = m.inTx(ctx, target.down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back %s: %w", version, err)
	}
	m.logger.Info().Str("version", version).Msg("rolled back migration")
	return nil
}

func (m *Migrator) inTx(ctx context.Context, script string, record func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		tx.Rollback()
		return err
	}
	if err := record(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// appliedChecksums maps applied versions to the checksum recorded for them.
func (m *Migrator) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

// loadMigrations reads every up file in fsys, pairs it with its down file
// and sorts by version. Two up files with the same version are an error.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version := migrationVersion(name)
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("version %s used by %s and %s", version, prev.upFile, name)
		}
		up, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(up)
		mig := &migration{version: version, upFile: name, up: string(up), checksum: hex.EncodeToString(sum[:])}

		down, err := fs.ReadFile(fsys, strings.TrimSuffix(name, ".up.sql")+".down.sql")
		switch {
		case err == nil:
			mig.down = string(down)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
		byVersion[version] = mig
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrationVersion is the prefix before the first underscore:
// "000001_event_log.up.sql" -> "000001".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
