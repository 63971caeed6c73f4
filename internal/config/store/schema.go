package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Settings keys understood by the store. The aggregator keys mirror the
// operator-facing connection settings; the api keys configure the local
// daemon transport.
const (
	KeyAggregatorHostname = "aggregator_hostname"
	KeyAggregatorPort     = "aggregator_port"
	KeyAggregatorSecure   = "aggregator_secure"
	KeyAggregatorSecret   = "aggregator_secret"
	KeyAPIHost            = "api_host"
	KeyAPIPort            = "api_port"
	KeyAPIToken           = "api_token"
	KeyEngineInterpreter  = "engine_interpreter"
	KeyEngineModule       = "engine_module"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS uods (
		path TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		added_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// defaultSettings seeds missing keys on first open. Existing values are
// never overwritten.
var defaultSettings = map[string]string{
	KeyAggregatorHostname: "openpectus.com",
	KeyAggregatorPort:     "443",
	KeyAggregatorSecure:   "true",
	KeyAggregatorSecret:   "",
	KeyAPIHost:            "127.0.0.1",
	KeyAPIPort:            "9720",
	KeyEngineInterpreter:  "python",
	KeyEngineModule:       "openpectus.engine_runner",
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
	}

	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA temp_store = MEMORY",
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("config: apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin schema transaction: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: apply schema statement %q: %w", abbreviate(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit schema transaction: %w", err)
	}

	return nil
}

func seedDefaults(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin seed transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("config: prepare seed statement: %w", err)
	}
	defer stmt.Close()

	for key, value := range defaultSettings {
		if _, err := stmt.ExecContext(ctx, key, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: seed setting %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit seed transaction: %w", err)
	}

	return nil
}

func abbreviate(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > 60 {
		return stmt[:60] + "..."
	}
	return stmt
}
