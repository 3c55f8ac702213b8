package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ClusterRow represents a row in the payee_clusters cache table.
type ClusterRow struct {
	BudgetID   string
	ClusterID  string
	GroupHash  string
	PayeeIDs   []string
	PayeeNames []string
	CreatedAt  time.Time
}

// ReplaceClusters atomically replaces a budget's cluster cache and records the
// payee content hash the clusters were computed from.
func ReplaceClusters(ctx context.Context, db *sql.DB, budgetID, contentHash string, clusters []ClusterRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM payee_clusters WHERE budget_id = ?`, budgetID); err != nil {
		return fmt.Errorf("clear clusters: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO payee_clusters (budget_id, cluster_id, group_hash, payee_ids, payee_names, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare cluster insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range clusters {
		ids, err := json.Marshal(c.PayeeIDs)
		if err != nil {
			return fmt.Errorf("encode payee ids: %w", err)
		}
		names, err := json.Marshal(c.PayeeNames)
		if err != nil {
			return fmt.Errorf("encode payee names: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, budgetID, c.ClusterID, c.GroupHash,
			string(ids), string(names), formatTime(c.CreatedAt)); err != nil {
			return fmt.Errorf("insert cluster %s: %w", c.ClusterID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO payee_cluster_meta (budget_id, content_hash, computed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(budget_id) DO UPDATE SET
		   content_hash = excluded.content_hash,
		   computed_at = excluded.computed_at`,
		budgetID, contentHash, formatTime(time.Now())); err != nil {
		return fmt.Errorf("upsert cluster meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cluster tx: %w", err)
	}
	return nil
}

// ListClusters returns a budget's cached clusters.
func ListClusters(ctx context.Context, db *sql.DB, budgetID string) ([]ClusterRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT budget_id, cluster_id, group_hash, payee_ids, payee_names, created_at
		 FROM payee_clusters WHERE budget_id = ? ORDER BY cluster_id ASC`, budgetID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ClusterRow
	for rows.Next() {
		var c ClusterRow
		var ids, names, createdAt string
		if err := rows.Scan(&c.BudgetID, &c.ClusterID, &c.GroupHash, &ids, &names, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &c.PayeeIDs); err != nil {
			return nil, fmt.Errorf("decode payee ids: %w", err)
		}
		if err := json.Unmarshal([]byte(names), &c.PayeeNames); err != nil {
			return nil, fmt.Errorf("decode payee names: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetClusterMetaHash returns the content hash the cached clusters were
// computed from, or "" when no cache exists.
func GetClusterMetaHash(ctx context.Context, db *sql.DB, budgetID string) (string, error) {
	var hash string
	err := db.QueryRowContext(ctx,
		`SELECT content_hash FROM payee_cluster_meta WHERE budget_id = ?`, budgetID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cluster meta: %w", err)
	}
	return hash, nil
}

// InvalidateClusterCache drops a budget's cluster cache and meta hash,
// forcing recomputation on the next read. Hidden groups are kept.
func InvalidateClusterCache(ctx context.Context, db *sql.DB, budgetID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM payee_clusters WHERE budget_id = ?`, budgetID); err != nil {
		return fmt.Errorf("clear clusters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM payee_cluster_meta WHERE budget_id = ?`, budgetID); err != nil {
		return fmt.Errorf("clear cluster meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// HideGroup marks a cluster group hash as hidden for a budget. Idempotent.
func HideGroup(ctx context.Context, db *sql.DB, budgetID, groupHash string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO payee_hidden_groups (budget_id, group_hash, hidden_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(budget_id, group_hash) DO NOTHING`,
		budgetID, groupHash, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("hide group: %w", err)
	}
	return nil
}

// UnhideGroup clears a hidden flag. A no-op when the group was not hidden.
func UnhideGroup(ctx context.Context, db *sql.DB, budgetID, groupHash string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM payee_hidden_groups WHERE budget_id = ? AND group_hash = ?`,
		budgetID, groupHash)
	if err != nil {
		return fmt.Errorf("unhide group: %w", err)
	}
	return nil
}

// HiddenGroupHashes returns the budget's hidden group hashes.
func HiddenGroupHashes(ctx context.Context, db *sql.DB, budgetID string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT group_hash FROM payee_hidden_groups WHERE budget_id = ?`, budgetID)
	if err != nil {
		return nil, fmt.Errorf("list hidden groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan hidden group: %w", err)
		}
		out[hash] = struct{}{}
	}
	return out, rows.Err()
}
