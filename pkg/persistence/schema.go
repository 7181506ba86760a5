package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
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
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
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

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the plan table and group lookups.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		createPlansTable,
		"CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id)",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

const createTasksTable = `CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	namespace TEXT NOT NULL,
	group_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL CHECK (type IN ('READ_INFO','REPORT','IMPLEMENTATION')),
	prompt TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('QUEUED','RUNNING','AWAITING_RESPONSE','COMPLETE','ERROR','CANCELLED')),
	output TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	clarification TEXT,
	settings TEXT NOT NULL,
	resume_pending INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

const createPlansTable = `CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('DRAFT','DISPATCHING','RUNNING','VERIFYING','VERIFIED','FAILED')),
	tasks TEXT NOT NULL,
	gate_result TEXT,
	error TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		createTasksTable,
		createPlansTable,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_seq ON tasks(seq)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(namespace, status, resume_pending, seq)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id)",
		"CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project_id)",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
