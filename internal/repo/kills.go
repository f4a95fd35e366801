package repo

import (
	"context"
	"database/sql"

	"punchd/internal/domain"
)

// AbandonTaskTx is the kill compare-and-swap: only a running task moves to
// abandoned, so exactly one caller wins.
func (r Repo) AbandonTaskTx(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return r.TransitionTaskTx(ctx, tx, id, domain.TaskAbandoned, at)
}

func (r Repo) InsertKillTx(ctx context.Context, tx *sql.Tx, k domain.Kill) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO kills(id,task_id,root_task_id,reason,killed_at) VALUES (?,?,?,?,?)`),
		k.ID, k.TaskID, k.RootTaskID, k.Reason, k.KilledAt)
	return err
}

func (r Repo) GetKill(ctx context.Context, taskID string) (domain.Kill, error) {
	var k domain.Kill
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,task_id,root_task_id,reason,killed_at FROM kills WHERE task_id=?`), taskID).
		Scan(&k.ID, &k.TaskID, &k.RootTaskID, &k.Reason, &k.KilledAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	return k, err
}

// ListKillsByRoot returns every kill recorded under one cascade root.
func (r Repo) ListKillsByRoot(ctx context.Context, rootID string) ([]domain.Kill, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,task_id,root_task_id,reason,killed_at FROM kills WHERE root_task_id=? ORDER BY killed_at ASC, task_id ASC`), rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Kill
	for rows.Next() {
		var k domain.Kill
		if err := rows.Scan(&k.ID, &k.TaskID, &k.RootTaskID, &k.Reason, &k.KilledAt); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}
