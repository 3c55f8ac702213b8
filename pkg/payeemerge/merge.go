// Package payeemerge finds duplicate payees and executes approved merges.
//
// Clustering is cached per budget, keyed by a content hash of the payee set,
// so repeated reads are free until the payees actually change. Hidden groups
// survive recomputation: a dismissed cluster stays dismissed until its
// membership, and thus its group hash, changes.
package payeemerge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/budget"
	"github.com/mathewab/actual-assist-sub002/pkg/payeematch"
)

// ClusterThreshold is the minimum similarity score for two payees to land in
// the same cluster.
const ClusterThreshold = 80

// Cluster is a group of payees believed to be duplicates.
type Cluster struct {
	ID         string    `json:"id"`
	BudgetID   string    `json:"budgetId"`
	GroupHash  string    `json:"groupHash"`
	PayeeIDs   []string  `json:"payeeIds"`
	PayeeNames []string  `json:"payeeNames"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Engine computes, caches, and acts on payee clusters.
type Engine struct {
	db     *sql.DB
	client budget.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(db *sql.DB, client budget.Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, client: client, logger: logger, now: time.Now}
}

// ComputeClusters returns the budget's duplicate-payee clusters, hidden
// groups excluded.
//
// The cached cluster set is reused while the payee content hash is
// unchanged; otherwise payees are re-clustered and the cache replaced
// atomically.
func (e *Engine) ComputeClusters(ctx context.Context, budgetID string) ([]Cluster, error) {
	payees, err := store.ListPayees(ctx, e.db, budgetID)
	if err != nil {
		return nil, err
	}

	contentHash := payeeContentHash(payees)
	cachedHash, err := store.GetClusterMetaHash(ctx, e.db, budgetID)
	if err != nil {
		return nil, err
	}

	if cachedHash != contentHash {
		rows := e.cluster(budgetID, payees)
		if err := store.ReplaceClusters(ctx, e.db, budgetID, contentHash, rows); err != nil {
			return nil, err
		}
		e.logger.Info("payee clusters recomputed",
			zap.String("budget_id", budgetID),
			zap.Int("payees", len(payees)),
			zap.Int("clusters", len(rows)))
	}

	rows, err := store.ListClusters(ctx, e.db, budgetID)
	if err != nil {
		return nil, err
	}
	hidden, err := store.HiddenGroupHashes(ctx, e.db, budgetID)
	if err != nil {
		return nil, err
	}

	out := make([]Cluster, 0, len(rows))
	for _, row := range rows {
		if _, ok := hidden[row.GroupHash]; ok {
			continue
		}
		out = append(out, Cluster{
			ID:         row.ClusterID,
			BudgetID:   row.BudgetID,
			GroupHash:  row.GroupHash,
			PayeeIDs:   row.PayeeIDs,
			PayeeNames: row.PayeeNames,
			CreatedAt:  row.CreatedAt,
		})
	}
	return out, nil
}

// cluster greedily groups payees whose similarity clears ClusterThreshold.
// Each payee seeds at most one cluster; singletons are dropped.
func (e *Engine) cluster(budgetID string, payees []store.PayeeRow) []store.ClusterRow {
	now := e.now().UTC()
	assigned := make(map[string]struct{}, len(payees))

	var rows []store.ClusterRow
	for i, seed := range payees {
		if _, done := assigned[seed.PayeeID]; done {
			continue
		}

		var candidates []payeematch.Candidate
		for j, other := range payees {
			if j == i {
				continue
			}
			if _, done := assigned[other.PayeeID]; done {
				continue
			}
			candidates = append(candidates, payeematch.Candidate{ID: other.PayeeID, Name: other.Name})
		}

		members := []store.PayeeRow{seed}
		for _, m := range payeematch.FindMatches(seed.Name, candidates, ClusterThreshold) {
			if m.Score <= ClusterThreshold {
				continue
			}
			for _, p := range payees {
				if p.PayeeID == m.Candidate.ID {
					members = append(members, p)
					break
				}
			}
		}
		if len(members) < 2 {
			continue
		}

		ids := make([]string, 0, len(members))
		names := make([]string, 0, len(members))
		for _, m := range members {
			assigned[m.PayeeID] = struct{}{}
			ids = append(ids, m.PayeeID)
			names = append(names, m.Name)
		}

		rows = append(rows, store.ClusterRow{
			BudgetID:   budgetID,
			ClusterID:  uuid.New().String(),
			GroupHash:  groupHash(ids),
			PayeeIDs:   ids,
			PayeeNames: names,
			CreatedAt:  now,
		})
	}
	return rows
}

// HideCluster suppresses a cluster group. Idempotent.
func (e *Engine) HideCluster(ctx context.Context, budgetID, groupHash string) error {
	return store.HideGroup(ctx, e.db, budgetID, groupHash)
}

// UnhideCluster clears a cluster group's suppression flag.
func (e *Engine) UnhideCluster(ctx context.Context, budgetID, groupHash string) error {
	return store.UnhideGroup(ctx, e.db, budgetID, groupHash)
}

// MergePayees reassigns the source payees' history to the target via the
// budget service, triggers a remote sync, and invalidates the cluster cache
// so merged payees disappear from the next read.
func (e *Engine) MergePayees(ctx context.Context, budgetID, targetID string, sourceIDs []string) error {
	if targetID == "" {
		return apperrors.Validationf("merge target payee id is required")
	}
	if len(sourceIDs) == 0 {
		return apperrors.Validationf("at least one source payee id is required")
	}
	for _, src := range sourceIDs {
		if src == targetID {
			return apperrors.Validationf("target payee %s cannot also be a merge source", targetID)
		}
	}

	if err := e.client.MergePayees(ctx, budgetID, targetID, sourceIDs); err != nil {
		return err
	}
	if err := e.client.TriggerSync(ctx, budgetID); err != nil {
		return err
	}
	if err := store.InvalidateClusterCache(ctx, e.db, budgetID); err != nil {
		return err
	}

	e.logger.Info("payees merged",
		zap.String("budget_id", budgetID),
		zap.String("target_id", targetID),
		zap.Int("sources", len(sourceIDs)))
	return nil
}

// payeeContentHash hashes the payee set's canonical JSON form. Order
// independent: the set is sorted by id before hashing.
func payeeContentHash(payees []store.PayeeRow) string {
	type entry struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	entries := make([]entry, 0, len(payees))
	for _, p := range payees {
		entries = append(entries, entry{ID: p.PayeeID, Name: p.Name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	b, _ := json.Marshal(entries)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// groupHash derives a stable hash from cluster membership, independent of
// member order.
func groupHash(payeeIDs []string) string {
	sorted := make([]string, len(payeeIDs))
	copy(sorted, payeeIDs)
	sort.Strings(sorted)

	b, _ := json.Marshal(sorted)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
