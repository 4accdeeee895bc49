package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vehicles (
	slot TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	system_id INTEGER NOT NULL DEFAULT 0,
	component_id INTEGER NOT NULL DEFAULT 0,
	link_state TEXT NOT NULL DEFAULT 'disconnected' CHECK(link_state IN ('disconnected','connected','live')),
	lat REAL,
	lon REAL,
	alt REAL,
	battery INTEGER NOT NULL DEFAULT -1,
	last_seen_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS missions (
	mission_id INTEGER PRIMARY KEY AUTOINCREMENT,
	slot TEXT NOT NULL,
	items_json TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('generated','uploading','uploaded','acknowledged','failed')),
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS detections (
	detection_id INTEGER PRIMARY KEY AUTOINCREMENT,
	slot TEXT NOT NULL,
	lat REAL,
	lon REAL,
	confidence REAL NOT NULL DEFAULT 0,
	reported_at TEXT NOT NULL,
	approved INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS missions_slot_created_at
ON missions(slot, created_at DESC);

CREATE INDEX IF NOT EXISTS detections_reported_at
ON detections(reported_at DESC);
`,
		DownSQL: `
DROP TABLE IF EXISTS detections;
DROP TABLE IF EXISTS missions;
DROP TABLE IF EXISTS vehicles;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE detections ADD COLUMN mission_id INTEGER REFERENCES missions(mission_id);
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
	{
		Version: 3,
		UpSQL: `
CREATE TABLE IF NOT EXISTS mission_logs (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	mission_id INTEGER NOT NULL,
	logged_at TEXT NOT NULL,
	message TEXT NOT NULL,
	FOREIGN KEY(mission_id) REFERENCES missions(mission_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS mission_logs_mission_id
ON mission_logs(mission_id, log_id);
`,
		DownSQL: `
DROP TABLE IF EXISTS mission_logs;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
