package repo

import (
	"context"
	"database/sql"
)

// CostRollup is the summed cost of a task subtree.
type CostRollup struct {
	RootTaskID string  `json:"root_task_id"`
	Total      float64 `json:"total"`
	TaskCount  int     `json:"task_count"`
	Depth      int     `json:"depth"`
}

// CostRollup sums cost over the task and its descendants. The walk is a
// recursive CTE capped at maxDepth; DISTINCT keeps a task reachable by two
// paths from being counted twice.
func (r Repo) CostRollup(ctx context.Context, rootID string, maxDepth int) (CostRollup, error) {
	if _, err := r.GetTask(ctx, rootID); err != nil {
		return CostRollup{}, err
	}
	var out CostRollup
	var total sql.NullFloat64
	var depth sql.NullInt64
	err := r.DB.QueryRowContext(ctx, r.q(`WITH RECURSIVE tree(id, depth) AS (
  SELECT id, 0 FROM tasks WHERE id=?
  UNION
  SELECT cr.child_task_id, tree.depth + 1
  FROM child_relationships cr JOIN tree ON cr.parent_task_id = tree.id
  WHERE tree.depth < ?
)
SELECT COUNT(*), SUM(t.cost), (SELECT MAX(depth) FROM tree)
FROM tasks t JOIN (SELECT DISTINCT id FROM tree) d ON d.id = t.id`), rootID, maxDepth).Scan(&out.TaskCount, &total, &depth)
	if err != nil {
		return CostRollup{}, err
	}
	out.RootTaskID = rootID
	if total.Valid {
		out.Total = total.Float64
	}
	if depth.Valid {
		out.Depth = int(depth.Int64)
	}
	return out, nil
}
