// Package persistence provides the SQLite-backed job store: durable job
// records, optimistic-concurrency transitions, lease claiming, and the
// immutable idempotency records for external side effects.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// InitializeDatabase creates and initializes the SQLite database with the
// required schema. Idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer; keep the pool at one connection so
	// compare-and-swap updates never race inside the driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	// Version 1 is the initial schema created by createSchema.
	return fmt.Errorf("unknown migration version: %d", version)
}

// createSchema creates the full schema at the current version.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,

		// One row per job; the unique key enforces dedup at creation.
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			repository TEXT NOT NULL,
			workflow_run_id INTEGER NOT NULL,
			head_sha TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			conclusion TEXT NOT NULL DEFAULT '',
			logs_url TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'pending',
			version INTEGER NOT NULL DEFAULT 1,
			idempotency_token TEXT NOT NULL,
			attempts TEXT NOT NULL DEFAULT '{}',
			claimed_by TEXT,
			lease_expires_at TIMESTAMP,
			next_run_at TIMESTAMP,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(repository, workflow_run_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_repository ON jobs(repository)`,

		// Append-only audit log of stage attempts and errors.
		`CREATE TABLE IF NOT EXISTS attempt_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_attempt_log_job ON attempt_log(job_id)`,

		// Immutable once recorded; at most one proposal per job.
		`CREATE TABLE IF NOT EXISTS patch_proposals (
			job_id TEXT PRIMARY KEY,
			diff TEXT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			model_response_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,

		`CREATE TABLE IF NOT EXISTS validation_results (
			job_id TEXT PRIMARY KEY,
			passed INTEGER NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,

		// Presence of a row is the idempotency guard against a second PR.
		`CREATE TABLE IF NOT EXISTS pull_requests (
			job_id TEXT PRIMARY KEY,
			branch_name TEXT NOT NULL,
			pr_number INTEGER NOT NULL,
			pr_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,

		// Keyed by model_response_id: at most one feedback event per proposal.
		`CREATE TABLE IF NOT EXISTS feedback_records (
			model_response_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return setSchemaVersion(db, CurrentSchemaVersion)
}

// GetSchemaVersion returns the schema version, or 0 for an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("failed to clear schema version: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
