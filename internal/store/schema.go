package store

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the application schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			budget_id TEXT NOT NULL,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT,
			parent_job_id TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_budget ON jobs(budget_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,

		`CREATE TABLE IF NOT EXISTS job_steps (
			step_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			position INTEGER NOT NULL,
			failure_reason TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			UNIQUE(job_id, position),
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_steps_job ON job_steps(job_id);`,

		`CREATE TABLE IF NOT EXISTS job_events (
			event_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			step_id TEXT,
			status TEXT NOT NULL,
			message TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);`,

		`CREATE TABLE IF NOT EXISTS suggestions (
			suggestion_id TEXT PRIMARY KEY,
			budget_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			current_category TEXT,
			proposed_category_id TEXT NOT NULL,
			proposed_category_name TEXT NOT NULL,
			proposed_payee_name TEXT,
			confidence REAL NOT NULL,
			rationale TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_budget_status ON suggestions(budget_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_txn ON suggestions(budget_id, transaction_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_suggestions_pending
			ON suggestions(budget_id, transaction_id) WHERE status = 'pending';`,

		`CREATE TABLE IF NOT EXISTS payee_clusters (
			budget_id TEXT NOT NULL,
			cluster_id TEXT NOT NULL,
			group_hash TEXT NOT NULL,
			payee_ids TEXT NOT NULL,
			payee_names TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(budget_id, cluster_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_payee_clusters_hash ON payee_clusters(budget_id, group_hash);`,

		`CREATE TABLE IF NOT EXISTS payee_cluster_meta (
			budget_id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			computed_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS payee_hidden_groups (
			budget_id TEXT NOT NULL,
			group_hash TEXT NOT NULL,
			hidden_at TEXT NOT NULL,
			PRIMARY KEY(budget_id, group_hash)
		);`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			budget_id TEXT NOT NULL,
			job_id TEXT,
			event_type TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_budget ON audit_log(budget_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_job ON audit_log(job_id);`,

		`CREATE TABLE IF NOT EXISTS transactions (
			budget_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			date TEXT NOT NULL,
			amount INTEGER NOT NULL,
			payee_id TEXT,
			payee_name TEXT,
			account_id TEXT,
			account_name TEXT,
			category_id TEXT,
			category_name TEXT,
			imported_at TEXT NOT NULL,
			PRIMARY KEY(budget_id, transaction_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_payee ON transactions(budget_id, payee_name);`,

		`CREATE TABLE IF NOT EXISTS categories (
			budget_id TEXT NOT NULL,
			category_id TEXT NOT NULL,
			name TEXT NOT NULL,
			group_name TEXT,
			is_income INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(budget_id, category_id)
		);`,

		`CREATE TABLE IF NOT EXISTS payees (
			budget_id TEXT NOT NULL,
			payee_id TEXT NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY(budget_id, payee_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
