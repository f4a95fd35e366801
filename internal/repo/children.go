package repo

import (
	"context"
	"database/sql"

	"punchd/internal/domain"
)

// InsertChildRelationshipTx records a delegation edge. Re-recording the same
// edge is a no-op.
func (r Repo) InsertChildRelationshipTx(ctx context.Context, tx *sql.Tx, parentID, childID, spawnedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO child_relationships(parent_task_id,child_task_id,spawned_at) VALUES (?,?,?)
ON CONFLICT(parent_task_id,child_task_id) DO NOTHING`), parentID, childID, spawnedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanChild(scan func(dest ...any) error) (domain.ChildRelationship, error) {
	var c domain.ChildRelationship
	var completedAt, hash sql.NullString
	var valid sql.NullBool
	if err := scan(&c.ParentTaskID, &c.ChildTaskID, &c.SpawnedAt, &completedAt, &valid, &hash); err != nil {
		return c, err
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.String
	}
	if valid.Valid {
		v := valid.Bool
		c.ChildCardValid = &v
	}
	if hash.Valid {
		c.ChildCheckpointHash = &hash.String
	}
	return c, nil
}

// ListChildren returns the direct children of a task in spawn order.
func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.ChildRelationship, error) {
	return r.listChildren(ctx, r.DB, parentID)
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.ChildRelationship, error) {
	return r.listChildren(ctx, tx, parentID)
}

func (r Repo) listChildren(ctx context.Context, q Querier, parentID string) ([]domain.ChildRelationship, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT parent_task_id,child_task_id,spawned_at,completed_at,child_card_valid,child_checkpoint_hash
FROM child_relationships WHERE parent_task_id=? ORDER BY spawned_at ASC, child_task_id ASC`), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChildRelationship
	for rows.Next() {
		c, err := scanChild(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UnresolvedChildrenTx lists children of parentID whose card is not known to be valid.
func (r Repo) UnresolvedChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT child_task_id FROM child_relationships
WHERE parent_task_id=? AND child_card_valid IS NOT TRUE ORDER BY spawned_at ASC, child_task_id ASC`), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResolveChildTx stores the outcome of a child's checkpoint on every edge
// pointing at it.
func (r Repo) ResolveChildTx(ctx context.Context, tx *sql.Tx, childID string, valid bool, checkpointHash *string, completedAt string) error {
	_, err := tx.ExecContext(ctx, r.q(`UPDATE child_relationships SET child_card_valid=?, child_checkpoint_hash=?, completed_at=? WHERE child_task_id=?`),
		valid, nullableStringPtr(checkpointHash), completedAt, childID)
	return err
}

// InvalidateChildTx marks the edges pointing at a child invalid, leaving
// alone any edge that already carries a passing checkpoint hash.
func (r Repo) InvalidateChildTx(ctx context.Context, tx *sql.Tx, childID, completedAt string) error {
	_, err := tx.ExecContext(ctx, r.q(`UPDATE child_relationships SET child_card_valid=?, completed_at=COALESCE(completed_at,?) WHERE child_task_id=? AND child_checkpoint_hash IS NULL`),
		false, completedAt, childID)
	return err
}

// RestoreChildTx records a passing checkpoint on edges that lack one.
func (r Repo) RestoreChildTx(ctx context.Context, tx *sql.Tx, childID, checkpointHash, completedAt string) error {
	_, err := tx.ExecContext(ctx, r.q(`UPDATE child_relationships SET child_card_valid=?, child_checkpoint_hash=?, completed_at=COALESCE(completed_at,?) WHERE child_task_id=? AND child_checkpoint_hash IS NULL`),
		true, checkpointHash, completedAt, childID)
	return err
}

// MarkChildReturnedTx stamps completed_at for a child that reported back
// without resolving its card.
func (r Repo) MarkChildReturnedTx(ctx context.Context, tx *sql.Tx, parentID, childID, completedAt string) error {
	_, err := tx.ExecContext(ctx, r.q(`UPDATE child_relationships SET completed_at=COALESCE(completed_at,?) WHERE parent_task_id=? AND child_task_id=?`),
		completedAt, parentID, childID)
	return err
}
