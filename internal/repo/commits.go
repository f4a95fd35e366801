package repo

import (
	"context"
	"database/sql"

	"punchd/internal/domain"
)

const commitColumns = `seq,checkpoint_id,task_id,card_id,message,prev_hash,hash,committed_at`

func scanCommit(scan func(dest ...any) error) (domain.Commit, error) {
	var c domain.Commit
	err := scan(&c.Seq, &c.CheckpointID, &c.TaskID, &c.CardID, &c.Message, &c.PrevHash, &c.Hash, &c.CommittedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// LastCommitTx returns the head of the commit chain.
func (r Repo) LastCommitTx(ctx context.Context, tx *sql.Tx) (domain.Commit, error) {
	return scanCommit(tx.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM commits ORDER BY seq DESC LIMIT 1`).Scan)
}

func (r Repo) CommitForCheckpointTx(ctx context.Context, tx *sql.Tx, checkpointID string) (domain.Commit, error) {
	return scanCommit(tx.QueryRowContext(ctx, r.q(`SELECT `+commitColumns+` FROM commits WHERE checkpoint_id=?`), checkpointID).Scan)
}

func (r Repo) InsertCommitTx(ctx context.Context, tx *sql.Tx, c domain.Commit) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO commits(checkpoint_id,task_id,card_id,message,prev_hash,hash,committed_at) VALUES (?,?,?,?,?,?,?)`),
		c.CheckpointID, c.TaskID, c.CardID, c.Message, c.PrevHash, c.Hash, c.CommittedAt)
	return err
}

// ListCommits returns the chain oldest first.
func (r Repo) ListCommits(ctx context.Context) ([]domain.Commit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+commitColumns+` FROM commits ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Commit
	for rows.Next() {
		c, err := scanCommit(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
