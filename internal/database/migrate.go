package database

import (
	"fmt"
	"log/slog"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`

// schemaVersion returns the highest applied migration, 0 for a new database.
func (db *DB) schemaVersion() (int, error) {
	var version int
	err := db.conn.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate brings the database schema up to the latest version.
// Applied versions are recorded in schema_migrations, which works the same
// on sqlite and postgres.
func (db *DB) migrate() error {
	if _, err := db.conn.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	current, err := db.schemaVersion()
	if err != nil {
		return err
	}
	if current >= latestVersion() {
		return nil
	}

	record := db.conn.Rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)")

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		slog.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.conn.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(record, m.Version, m.Description, formatTime(db.now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
