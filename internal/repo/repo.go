package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"punchd/internal/db"
	"punchd/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const taskColumns = `id,parent_id,mode,model,card_id,status,cost,tokens_in,tokens_out,started_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var parentID, completedAt sql.NullString
	err := scan(&t.ID, &parentID, &t.Mode, &t.Model, &t.CardID, &t.Status, &t.Cost, &t.TokensIn, &t.TokensOut, &t.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

// EnsureTaskTx inserts a running task row unless one already exists.
func (r Repo) EnsureTaskTx(ctx context.Context, tx *sql.Tx, id, startedAt string) error {
	if id == "" {
		return errors.New("task id required")
	}
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO tasks(id,status,started_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`),
		id, domain.TaskRunning, startedAt)
	return err
}

// TaskStart carries the attributes announced by a task_started event.
type TaskStart struct {
	ID        string
	ParentID  string
	Mode      string
	Model     string
	CardID    string
	StartedAt string
}

// StartTaskTx records the declared attributes of a task. Empty fields leave
// stored values untouched; started_at only moves earlier.
func (r Repo) StartTaskTx(ctx context.Context, tx *sql.Tx, s TaskStart) error {
	if err := r.EnsureTaskTx(ctx, tx, s.ID, s.StartedAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET
  parent_id=COALESCE(?,parent_id),
  mode=CASE WHEN ?='' THEN mode ELSE ? END,
  model=CASE WHEN ?='' THEN model ELSE ? END,
  card_id=CASE WHEN ?='' THEN card_id ELSE ? END,
  started_at=CASE WHEN ? < started_at THEN ? ELSE started_at END
WHERE id=?`),
		nullable(s.ParentID), s.Mode, s.Mode, s.Model, s.Model, s.CardID, s.CardID, s.StartedAt, s.StartedAt, s.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	return scanTask(row.Scan)
}

func (r Repo) ListTasksByStatus(ctx context.Context, status string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY started_at ASC, id ASC`), status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TransitionTaskTx moves a running task to a terminal status. It reports
// false when the task was not running, which leaves the row untouched.
func (r Repo) TransitionTaskTx(ctx context.Context, tx *sql.Tx, id, status, completedAt string) (bool, error) {
	if !domain.IsTerminalStatus(status) {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET status=?, completed_at=? WHERE id=? AND status=?`),
		status, completedAt, id, domain.TaskRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AddCostTx accumulates cost and token usage on a task.
func (r Repo) AddCostTx(ctx context.Context, tx *sql.Tx, id string, cost float64, tokensIn, tokensOut int64) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET cost=cost+?, tokens_in=tokens_in+?, tokens_out=tokens_out+? WHERE id=?`),
		cost, tokensIn, tokensOut, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFinalCostTx overrides the task cost with a runtime supplied total when
// it is larger than what punches accumulated.
func (r Repo) SetFinalCostTx(ctx context.Context, tx *sql.Tx, id string, cost float64) error {
	_, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET cost=? WHERE id=? AND cost < ?`), cost, id, cost)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
