package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"punchd/internal/domain"
)

const checkpointColumns = `id,task_id,card_id,status,validated_at,commit_hash,missing_json`

func scanCheckpoint(scan func(dest ...any) error) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var commitHash sql.NullString
	var missingJSON string
	err := scan(&c.ID, &c.TaskID, &c.CardID, &c.Status, &c.ValidatedAt, &commitHash, &missingJSON)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if commitHash.Valid {
		c.CommitHash = &commitHash.String
	}
	if missingJSON != "" {
		if err := json.Unmarshal([]byte(missingJSON), &c.Missing); err != nil {
			return c, fmt.Errorf("checkpoint %s missing_json: %w", c.ID, err)
		}
	}
	if c.Missing == nil {
		c.Missing = []domain.MissingRef{}
	}
	return c, nil
}

// InsertCheckpointTx stages a checkpoint. Only pass_pending and fail are
// accepted here; pass is reached through FinalizeCheckpointTx. It reports
// false when (task, card) already has a live checkpoint, in which case
// nothing is written.
func (r Repo) InsertCheckpointTx(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) (bool, error) {
	missing := c.Missing
	if missing == nil {
		missing = []domain.MissingRef{}
	}
	data, err := json.Marshal(missing)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO checkpoints(id,task_id,card_id,status,validated_at,commit_hash,missing_json) VALUES (?,?,?,?,?,NULL,?) ON CONFLICT DO NOTHING`),
		c.ID, c.TaskID, c.CardID, c.Status, c.ValidatedAt, string(data))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinalizeCheckpointTx flips a pass_pending checkpoint to pass with its commit
// hash. It reports false when the row was not pending.
func (r Repo) FinalizeCheckpointTx(ctx context.Context, tx *sql.Tx, id, commitHash string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE checkpoints SET status=?, commit_hash=? WHERE id=? AND status=?`),
		domain.CheckpointPass, commitHash, id, domain.CheckpointPassPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LatestCheckpointTx returns the newest checkpoint of (task, card) in one of
// the given statuses.
func (r Repo) LatestCheckpointTx(ctx context.Context, tx *sql.Tx, taskID, cardID string, statuses ...string) (domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE task_id=? AND card_id=?`
	args := []any{taskID, cardID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY validated_at DESC, id DESC LIMIT 1`
	return scanCheckpoint(tx.QueryRowContext(ctx, r.q(query), args...).Scan)
}

func (r Repo) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, r.q(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id=?`), id).Scan)
}

func (r Repo) ListCheckpoints(ctx context.Context, taskID string) ([]domain.Checkpoint, error) {
	return r.listCheckpoints(ctx, `WHERE task_id=? ORDER BY validated_at ASC, id ASC`, taskID)
}

// ListPendingCheckpoints returns checkpoints left between stage and finalize.
func (r Repo) ListPendingCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	return r.listCheckpoints(ctx, `WHERE status=? ORDER BY validated_at ASC, id ASC`, domain.CheckpointPassPending)
}

func (r Repo) listCheckpoints(ctx context.Context, where string, args ...any) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+checkpointColumns+` FROM checkpoints `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
