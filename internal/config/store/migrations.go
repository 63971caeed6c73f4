package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a numbered schema change applied exactly once per
// database, in ascending version order.
type migration struct {
	version     int
	description string
	statements  []string
}

// Migrations evolve databases created by earlier releases. The baseline
// schema in schemaStatements is what the first release shipped; every
// later structural change gets a new entry here instead of editing the
// baseline.
var migrations = []migration{
	{
		version:     1,
		description: "enforce unique engine names across loaded uods",
		statements: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_uods_name ON uods(name)`,
		},
	},
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	var current sql.NullInt64
	if err := db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("config: read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("config: begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("config: migration %d (%s): %w", m.version, m.description, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`,
			m.version, m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("config: commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion reports the highest applied migration version, 0 for a
// database that only carries the baseline schema.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("config: read schema version: %w", err)
	}
	if !current.Valid {
		return 0, nil
	}
	return int(current.Int64), nil
}
