package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

var migrationFile = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// Migration is one numbered schema step. Version is the up file's base name,
// which is what schema_migrations records.
type Migration struct {
	Number string
	Name   string
	Up     string
	Down   string
}

func (m Migration) Version() string {
	return filepath.Base(m.Up)
}

// LoadMigrations pairs the up and down files in dir, ordered by number.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byNumber := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m, ok := byNumber[match[1]]
		if !ok {
			m = &Migration{Number: match[1], Name: match[2]}
			byNumber[match[1]] = m
		}
		path := filepath.Join(dir, entry.Name())
		target := &m.Up
		if match[3] == "down" {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for %s", match[3], match[1])
		}
		*target = path
	}

	migrations := make([]Migration, 0, len(byNumber))
	for _, m := range byNumber {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m.Number)
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return strings.Compare(a.Number, b.Number) })
	return migrations, nil
}

// ApplyMigrations runs every pending up migration, each in its own
// transaction, and returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range migrations {
		version := m.Version()
		if applied[version] {
			continue
		}
		if err := runInTx(ctx, db, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
			return ran, fmt.Errorf("apply migration %s: %w", version, err)
		}
		ran = append(ran, version)
	}
	return ran, nil
}

// RollbackMigrations reverts the last steps applied migrations, newest
// first. steps <= 0 reverts all of them.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	var reverted []string
	for _, m := range slices.Backward(migrations) {
		if steps > 0 && len(reverted) == steps {
			break
		}
		version := m.Version()
		if !applied[version] {
			continue
		}
		if err := runInTx(ctx, db, m.Down, `DELETE FROM schema_migrations WHERE version=$1`, version); err != nil {
			return reverted, fmt.Errorf("revert migration %s: %w", version, err)
		}
		reverted = append(reverted, version)
	}
	return reverted, nil
}

func runInTx(ctx context.Context, db *sql.DB, path, bookkeeping, version string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if body := strings.TrimSpace(string(contents)); body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()
	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
