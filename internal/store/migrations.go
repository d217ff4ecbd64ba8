package store

import "fmt"

// Schema versions are forward-only; each entry runs exactly once inside its
// own transaction and is recorded in schema_migrations.
//
// v1: core tables (projects, sessions, checkpoints, context_samples)
// v2: reality_snapshots, blockers
// v3: symbols, agent_decisions (foreign keys deliberately relaxed so advisory
//     records survive session deletion)
// v4: quick_actions, documents, agent_tasks
const currentSchemaVersion = 4

var migrations = []string{
	// v1
	`
	CREATE TABLE IF NOT EXISTS projects (
		name                TEXT PRIMARY KEY,
		sessions_completed  INTEGER NOT NULL DEFAULT 0,
		total_lines_written INTEGER NOT NULL DEFAULT 0,
		average_velocity    REAL NOT NULL DEFAULT 0,
		completion_rate     REAL NOT NULL DEFAULT 0,
		common_blockers     TEXT NOT NULL DEFAULT '[]',
		tech_stack          TEXT NOT NULL DEFAULT '[]',
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id                   TEXT PRIMARY KEY,
		project_name         TEXT NOT NULL,
		kind                 TEXT NOT NULL,
		start_time           TIMESTAMP NOT NULL,
		estimated_completion TIMESTAMP NOT NULL,
		phase                TEXT NOT NULL,
		status               TEXT NOT NULL,
		est_lines            INTEGER NOT NULL,
		est_tests            INTEGER NOT NULL,
		est_docs             INTEGER NOT NULL,
		context_budget       INTEGER NOT NULL,
		context_used         INTEGER NOT NULL DEFAULT 0,
		lines_written        INTEGER NOT NULL DEFAULT 0,
		tests_written        INTEGER NOT NULL DEFAULT 0,
		tests_passing        INTEGER NOT NULL DEFAULT 0,
		docs_updated         INTEGER NOT NULL DEFAULT 0,
		velocity_score       REAL NOT NULL DEFAULT 0,
		end_time             TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project_start
		ON sessions(project_name, start_time DESC);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id                   TEXT PRIMARY KEY,
		session_id           TEXT NOT NULL REFERENCES sessions(id),
		checkpoint_number    INTEGER NOT NULL,
		created_at           TIMESTAMP NOT NULL,
		context_used         INTEGER NOT NULL,
		commit_hash          TEXT NOT NULL DEFAULT '',
		completed_components TEXT NOT NULL DEFAULT '[]',
		metrics              TEXT NOT NULL DEFAULT '{}',
		continuation         TEXT NOT NULL DEFAULT '{}'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_session_number
		ON checkpoints(session_id, checkpoint_number);

	CREATE TABLE IF NOT EXISTS context_samples (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		timestamp  TIMESTAMP NOT NULL,
		phase      TEXT NOT NULL,
		tokens     INTEGER NOT NULL,
		operation  TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_context_samples_session_time
		ON context_samples(session_id, timestamp);
	`,
	// v2
	`
	CREATE TABLE IF NOT EXISTS reality_snapshots (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL REFERENCES sessions(id),
		created_at    TIMESTAMP NOT NULL,
		discrepancies TEXT NOT NULL DEFAULT '[]',
		confidence    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reality_snapshots_session
		ON reality_snapshots(session_id, created_at);

	CREATE TABLE IF NOT EXISTS blockers (
		id              TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL REFERENCES sessions(id),
		project_tag     TEXT NOT NULL,
		kind            TEXT NOT NULL,
		description     TEXT NOT NULL,
		impact          INTEGER NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		resolution      TEXT,
		resolved_at     TIMESTAMP,
		time_to_resolve INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_blockers_session ON blockers(session_id);
	`,
	// v3: no foreign keys on session_id here; advisory recording must survive
	// session churn and agents may record before a session exists.
	`
	CREATE TABLE IF NOT EXISTS symbols (
		id               TEXT PRIMARY KEY,
		project          TEXT NOT NULL,
		concept          TEXT NOT NULL,
		chosen_name      TEXT NOT NULL,
		context_type     TEXT NOT NULL,
		confidence       REAL NOT NULL,
		usage_count      INTEGER NOT NULL DEFAULT 1,
		created_by_agent TEXT NOT NULL DEFAULT '',
		session_id       TEXT,
		created_at       TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_symbols_concept
		ON symbols(concept, context_type, project);

	CREATE TABLE IF NOT EXISTS agent_decisions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_name    TEXT NOT NULL,
		action_type   TEXT NOT NULL,
		input_context TEXT NOT NULL DEFAULT '',
		decision_made TEXT NOT NULL DEFAULT '',
		worked        INTEGER NOT NULL DEFAULT 0,
		project_id    TEXT NOT NULL DEFAULT '',
		session_id    TEXT,
		timestamp     TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_decisions_lookup
		ON agent_decisions(agent_name, action_type, project_id);
	`,
	// v4
	`
	CREATE TABLE IF NOT EXISTS quick_actions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		steps       TEXT NOT NULL DEFAULT '[]',
		ui_group    TEXT NOT NULL DEFAULT '',
		shortcut    TEXT NOT NULL DEFAULT '',
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_used   TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS documents (
		path         TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		generated_at TIMESTAMP NOT NULL,
		word_count   INTEGER NOT NULL DEFAULT 0,
		sections     TEXT NOT NULL DEFAULT '[]',
		refs         TEXT NOT NULL DEFAULT '[]',
		updated_at   TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_tasks (
		id         TEXT PRIMARY KEY,
		session_id TEXT,
		status     TEXT NOT NULL DEFAULT 'pending',
		priority   INTEGER NOT NULL DEFAULT 0,
		tool       TEXT NOT NULL,
		params     TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_status_priority
		ON agent_tasks(status, priority);
	`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, currentSchemaVersion)
	}

	for next := version + 1; next <= currentSchemaVersion; next++ {
		if err := s.applyMigration(next, migrations[next-1]); err != nil {
			return err
		}
		s.logger.Info("applied schema migration v%d", next)
	}
	return nil
}

func (s *Store) applyMigration(version int, ddl string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", version, err)
	}
	if _, err := tx.Exec(ddl); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration v%d: %w", version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration v%d: %w", version, err)
	}
	return tx.Commit()
}
