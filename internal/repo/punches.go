package repo

import (
	"context"
	"database/sql"
	"strings"

	"punchd/internal/domain"
)

// InsertPunchTx appends a punch. A duplicate source_hash is absorbed and
// reported as inserted=false.
func (r Repo) InsertPunchTx(ctx context.Context, tx *sql.Tx, p domain.Punch) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO punches(task_id,punch_type,punch_key,observed_at,source_hash) VALUES (?,?,?,?,?)
ON CONFLICT(source_hash) DO NOTHING`),
		p.TaskID, string(p.PunchType), p.PunchKey, p.ObservedAt, p.SourceHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PunchFilter narrows ListPunches.
type PunchFilter struct {
	TaskID    string
	PunchType domain.PunchType
	Limit     int
}

// ListPunches returns a task's punches in emitted order.
func (r Repo) ListPunches(ctx context.Context, f PunchFilter) ([]domain.Punch, error) {
	clauses := []string{"task_id=?"}
	args := []any{f.TaskID}
	if f.PunchType != "" {
		clauses = append(clauses, "punch_type=?")
		args = append(args, string(f.PunchType))
	}
	query := `SELECT id,task_id,punch_type,punch_key,observed_at,source_hash FROM punches WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY observed_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Punch
	for rows.Next() {
		var p domain.Punch
		var pt string
		if err := rows.Scan(&p.ID, &p.TaskID, &pt, &p.PunchKey, &p.ObservedAt, &p.SourceHash); err != nil {
			return nil, err
		}
		p.PunchType = domain.PunchType(pt)
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountMatchingPunches counts a task's punches of a type whose key matches
// the LIKE pattern.
func (r Repo) CountMatchingPunches(ctx context.Context, taskID string, punchType domain.PunchType, pattern string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM punches WHERE task_id=? AND punch_type=? AND punch_key LIKE ?`),
		taskID, string(punchType), pattern).Scan(&n)
	return n, err
}

// CountPunches returns the number of punches stored for a task.
func (r Repo) CountPunches(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM punches WHERE task_id=?`), taskID).Scan(&n)
	return n, err
}
