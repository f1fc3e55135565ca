package store

import (
	"context"
	"fmt"
)

// migration is one forward-only, numbered schema step. This store tracks a
// single PRAGMA user_version counter rather than gating each migration
// function individually, since the schema is small enough that per-step
// functions would be overhead rather than clarity.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS projects (
				identifier       TEXT PRIMARY KEY,
				name             TEXT NOT NULL,
				pm_project_id    TEXT NOT NULL DEFAULT '',
				tracker_repo_id  TEXT NOT NULL DEFAULT '',
				agent_id         TEXT NOT NULL DEFAULT '',
				filesystem_path  TEXT NOT NULL DEFAULT '',
				archived         INTEGER NOT NULL DEFAULT 0,
				last_sync_at     TEXT,
				metadata_hash    TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS issues (
				canonical_id             TEXT PRIMARY KEY,
				project_id               TEXT NOT NULL REFERENCES projects(identifier),
				title                    TEXT NOT NULL,
				description              TEXT NOT NULL DEFAULT '',
				status                   TEXT NOT NULL,
				priority                 TEXT NOT NULL DEFAULT 'NoPriority',
				foreign_id_pm            TEXT NOT NULL DEFAULT '',
				foreign_id_tracker       TEXT NOT NULL DEFAULT '',
				foreign_id_agent         TEXT NOT NULL DEFAULT '',
				pm_modified_at           TEXT,
				tracker_modified_at      TEXT,
				pm_status_snapshot       TEXT NOT NULL DEFAULT '',
				tracker_status_snapshot  TEXT NOT NULL DEFAULT '',
				parent_id                TEXT NOT NULL DEFAULT '',
				sub_issue_count          INTEGER NOT NULL DEFAULT 0,
				content_hash             TEXT NOT NULL DEFAULT '',
				removed_from_pm          INTEGER NOT NULL DEFAULT 0,
				removed_from_tracker     INTEGER NOT NULL DEFAULT 0,
				created_at               TEXT NOT NULL,
				updated_at               TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_id)`,
			`CREATE INDEX IF NOT EXISTS idx_issues_foreign_pm ON issues(foreign_id_pm)`,
			`CREATE INDEX IF NOT EXISTS idx_issues_foreign_tracker ON issues(foreign_id_tracker)`,
			`CREATE INDEX IF NOT EXISTS idx_issues_foreign_agent ON issues(foreign_id_agent)`,
			`CREATE TABLE IF NOT EXISTS sync_runs (
				id           TEXT PRIMARY KEY,
				project_id   TEXT NOT NULL DEFAULT '',
				started_at   TEXT NOT NULL,
				completed_at TEXT,
				created      INTEGER NOT NULL DEFAULT 0,
				updated      INTEGER NOT NULL DEFAULT 0,
				skipped      INTEGER NOT NULL DEFAULT 0,
				errored      INTEGER NOT NULL DEFAULT 0,
				timed_out    INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS sync_errors (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id      TEXT NOT NULL REFERENCES sync_runs(id),
				component   TEXT NOT NULL,
				operation   TEXT NOT NULL,
				identifier  TEXT NOT NULL DEFAULT '',
				message     TEXT NOT NULL,
				retryable   INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_errors_run ON sync_errors(run_id)`,
			`CREATE TABLE IF NOT EXISTS pending_ops (
				id          TEXT PRIMARY KEY,
				op_type     TEXT NOT NULL,
				target      TEXT NOT NULL,
				project_id  TEXT NOT NULL DEFAULT '',
				identifier  TEXT NOT NULL DEFAULT '',
				payload     BLOB,
				result      BLOB,
				state       TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				resolved_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_ops_state ON pending_ops(state)`,
			`CREATE TABLE IF NOT EXISTS project_files (
				project_id     TEXT NOT NULL REFERENCES projects(identifier),
				relative_path  TEXT NOT NULL,
				content_hash   TEXT NOT NULL DEFAULT '',
				remote_file_id TEXT NOT NULL DEFAULT '',
				size           INTEGER NOT NULL DEFAULT 0,
				removed        INTEGER NOT NULL DEFAULT 0,
				updated_at     TEXT NOT NULL,
				PRIMARY KEY (project_id, relative_path)
			)`,
		},
	},
	{
		version: 2,
		name:    "full_sync_checkpoints",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sync_history (
				id                 TEXT PRIMARY KEY,
				started_at         TEXT NOT NULL,
				completed_at       TEXT,
				total_projects     INTEGER NOT NULL DEFAULT 0,
				completed_projects TEXT NOT NULL DEFAULT '[]',
				status             TEXT NOT NULL DEFAULT 'running'
			)`,
		},
	},
}

// migrate applies every migration with version > the database's current
// PRAGMA user_version, in order, each inside its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.db.GetContext(ctx, &current, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %s: begin: %w", m.name, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: set user_version: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: commit: %w", m.name, err)
		}
	}
	return nil
}
