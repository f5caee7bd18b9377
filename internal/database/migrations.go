package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migration is one embedded schema step. Files apply in name order, so names
// carry a zero-padded sequence prefix.
type migration struct {
	version string
	sql     string
}

func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	out := make([]migration, len(names))
	for i, name := range names {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out[i] = migration{version: strings.TrimSuffix(path.Base(name), ".sql"), sql: string(body)}
	}
	return out, nil
}

// applyMigrations brings the schema up to date in a single transaction.
// Daemons racing on a fresh file serialize on SQLite's write lock and the
// loser finds every version already recorded.
func (d *DB) applyMigrations(ctx context.Context) error {
	steps, err := loadMigrations()
	if err != nil {
		return err
	}
	return RetryOnBusy(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		const ledger = `CREATE TABLE IF NOT EXISTS schema_migrations (
            version    TEXT PRIMARY KEY,
            applied_at TEXT NOT NULL
        )`
		if _, err := tx.ExecContext(ctx, ledger); err != nil {
			return fmt.Errorf("create migration ledger: %w", err)
		}
		applied := make(map[string]bool)
		rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_migrations`)
		if err != nil {
			return fmt.Errorf("read migration ledger: %w", err)
		}
		for rows.Next() {
			var version string
			if err := rows.Scan(&version); err != nil {
				rows.Close()
				return fmt.Errorf("scan migration ledger: %w", err)
			}
			applied[version] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read migration ledger: %w", err)
		}

		for _, step := range steps {
			if applied[step.version] {
				continue
			}
			if _, err := tx.ExecContext(ctx, step.sql); err != nil {
				return fmt.Errorf("apply migration %s: %w", step.version, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				step.version, FormatTime(time.Now())); err != nil {
				return fmt.Errorf("record migration %s: %w", step.version, err)
			}
		}
		return tx.Commit()
	})
}
