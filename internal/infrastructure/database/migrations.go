package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"
)

// versionLayout is the timestamp that prefixes every migration file.
const versionLayout = "20060102_150405"

var (
	// ErrMigration wraps any failure to load or run a migration.
	ErrMigration = errors.New("database: migration failed")

	// ErrIrreversible is returned by MigrateDown when the newest applied
	// migration ships no down script.
	ErrIrreversible = errors.New("database: migration has no down script")
)

// Migration is one schema step, read from a file pair named
// <YYYYMMDD>_<HHMMSS>_<name>.up.sql and <...>.down.sql.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   string
	AppliedAt time.Time
}

// Migrate applies the migrations in fsys that the registry has not seen,
// oldest first, and returns how many it applied.
//
// Each migration commits on its own. A failing one is rolled back and
// stops the run; the next Migrate resumes from it.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) (int, error) {
	_, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		return 0, err
	}

	for i, m := range pending {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		})
		if err != nil {
			return i, fmt.Errorf("%w: applying %s_%s: %w", ErrMigration, m.Version, m.Name, err)
		}
	}
	return len(pending), nil
}

// MigrateDown reverts the newest applied migration and returns its
// version, or "" when nothing has been applied.
func (db *DB) MigrateDown(ctx context.Context, fsys fs.FS) (string, error) {
	if err := db.ensureSchemaTable(ctx); err != nil {
		return "", err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil || len(applied) == 0 {
		return "", err
	}
	newest := applied[len(applied)-1].Version

	all, err := loadMigrations(fsys)
	if err != nil {
		return "", err
	}
	i := slices.IndexFunc(all, func(m Migration) bool { return m.Version == newest })
	if i < 0 {
		return "", fmt.Errorf("%w: %s is applied but missing from the migration set", ErrMigration, newest)
	}
	m := all[i]
	if strings.TrimSpace(m.Down) == "" {
		return "", fmt.Errorf("%w: %s_%s", ErrIrreversible, m.Version, m.Name)
	}

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: reverting %s_%s: %w", ErrMigration, m.Version, m.Name, err)
	}
	return m.Version, nil
}

// MigrationStatus lists what the registry has applied and what in fsys
// is still pending.
func (db *DB) MigrationStatus(ctx context.Context, fsys fs.FS) (applied []AppliedMigration, pending []Migration, err error) {
	if err := db.ensureSchemaTable(ctx); err != nil {
		return nil, nil, err
	}
	if applied, err = db.appliedMigrations(ctx); err != nil {
		return nil, nil, err
	}
	all, err := loadMigrations(fsys)
	if err != nil {
		return nil, nil, err
	}

	pending = slices.DeleteFunc(all, func(m Migration) bool {
		return slices.ContainsFunc(applied, func(a AppliedMigration) bool { return a.Version == m.Version })
	})
	return applied, pending, nil
}

func (db *DB) ensureSchemaTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		) STRICT`)
	if err != nil {
		return fmt.Errorf("%w: creating schema_migrations: %w", ErrMigration, err)
	}
	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("%w: reading schema_migrations: %w", ErrMigration, err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			a  AppliedMigration
			at string
		)
		if err := rows.Scan(&a.Version, &at); err != nil {
			return nil, fmt.Errorf("%w: scanning schema_migrations: %w", ErrMigration, err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // Written by Migrate
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading schema_migrations: %w", ErrMigration, err)
	}
	return out, nil
}

// loadMigrations reads the migration files at the root of fsys, oldest
// first. Other files are ignored. A nil fsys holds no migrations.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("%w: listing migrations: %w", ErrMigration, err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, up, ok := parseMigrationFilename(entry.Name())
		if !ok {
			continue
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("%w: version %s used by both %q and %q", ErrMigration, version, m.Name, name)
		}

		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrMigration, entry.Name(), err)
		}
		if up {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("%w: %s_%s has a down script but no up script", ErrMigration, m.Version, m.Name)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

// parseMigrationFilename splits "20260301_120000_create_coap_devices.up.sql"
// into its version, name and direction.
func parseMigrationFilename(filename string) (version, name string, up, ok bool) {
	base, found := strings.CutSuffix(filename, ".sql")
	if !found {
		return "", "", false, false
	}
	if base, up = strings.CutSuffix(base, ".up"); !up {
		if base, found = strings.CutSuffix(base, ".down"); !found {
			return "", "", false, false
		}
	}

	if len(base) < len(versionLayout) {
		return "", "", false, false
	}
	version, rest := base[:len(versionLayout)], base[len(versionLayout):]
	if _, err := time.Parse(versionLayout, version); err != nil {
		return "", "", false, false
	}
	if rest != "" {
		var sep bool
		if name, sep = strings.CutPrefix(rest, "_"); !sep {
			return "", "", false, false
		}
	}
	return version, name, up, true
}
