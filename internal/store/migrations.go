package store

import (
	"context"
	"database/sql"
	"fmt"

	"check-reconciliation-service/pkg/logger"
)

// Migration is one schema change, applied in a transaction
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

var allMigrations = []Migration{
	{Version: 1, Name: "initial_schema", Up: migration001InitialSchema},
	{Version: 2, Name: "add_decisions_table", Up: migration002AddDecisionsTable},
}

func (s *Store) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range allMigrations {
		if applied[migration.Version] {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}
		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
			migration.Version, migration.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		s.logger.WithFields(logger.Fields{
			"version": migration.Version,
			"name":    migration.Name,
		}).Info("Applied store migration")
	}

	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// SchemaVersion returns the highest applied migration
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func migration001InitialSchema(tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			billing_source TEXT NOT NULL DEFAULT '',
			image_dir TEXT NOT NULL DEFAULT '',
			summary_json TEXT NOT NULL DEFAULT '{}',
			skipped_json TEXT NOT NULL DEFAULT '[]',
			invoices_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS run_checks (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			check_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			check_json TEXT NOT NULL,
			candidates_json TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (run_id, check_id)
		)`,
	}
	for _, statement := range statements {
		if _, err := tx.Exec(statement); err != nil {
			return err
		}
	}
	return nil
}

// migration002AddDecisionsTable enforces one decision per check and one
// accepting check per invoice within a run.
func migration002AddDecisionsTable(tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			check_id TEXT NOT NULL,
			action TEXT NOT NULL CHECK (action IN ('accept', 'skip')),
			invoice_number TEXT,
			decided_at TIMESTAMP NOT NULL,
			UNIQUE (run_id, check_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_decisions_accepted_invoice
			ON decisions(run_id, invoice_number) WHERE action = 'accept'`,
	}
	for _, statement := range statements {
		if _, err := tx.Exec(statement); err != nil {
			return err
		}
	}
	return nil
}
