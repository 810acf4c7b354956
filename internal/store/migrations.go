package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE extensions (
					repository TEXT NOT NULL,
					name TEXT NOT NULL,
					desired_tag TEXT NOT NULL DEFAULT '',
					desired_enabled INTEGER NOT NULL DEFAULT 1,
					pinned_digest TEXT NOT NULL DEFAULT '',
					settings TEXT NOT NULL DEFAULT '',
					container_id TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL DEFAULT 'stopped',
					pending_tag TEXT NOT NULL DEFAULT '',
					pending_digest TEXT NOT NULL DEFAULT '',
					pending_container_id TEXT NOT NULL DEFAULT '',
					previous_tag TEXT NOT NULL DEFAULT '',
					previous_digest TEXT NOT NULL DEFAULT '',
					last_error TEXT NOT NULL DEFAULT '',
					last_step TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (repository, name)
				);

				CREATE TABLE selected_versions (
					slot TEXT PRIMARY KEY,
					repository TEXT NOT NULL,
					tag TEXT NOT NULL,
					digest TEXT NOT NULL DEFAULT '',
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE manifests (
					repository TEXT NOT NULL,
					name TEXT NOT NULL,
					body TEXT NOT NULL,
					fetched_at DATETIME NOT NULL,
					PRIMARY KEY (repository, name)
				);

				CREATE TABLE operations (
					id TEXT PRIMARY KEY,
					repository TEXT NOT NULL,
					name TEXT NOT NULL,
					kind TEXT NOT NULL,
					status TEXT NOT NULL,
					step TEXT NOT NULL DEFAULT '',
					error TEXT NOT NULL DEFAULT '',
					submitted_at DATETIME NOT NULL,
					started_at DATETIME NOT NULL,
					finished_at DATETIME NOT NULL
				);

				CREATE INDEX idx_operations_identity ON operations(repository, name, submitted_at);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
