package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"punchd/internal/domain"
)

// UpsertDiagnosisTx stores the latest diagnosis of a task.
func (r Repo) UpsertDiagnosisTx(ctx context.Context, tx *sql.Tx, d domain.Diagnosis, at string) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO diagnoses(task_id,category,confidence,rule,summary,evidence_json,diagnosed_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET category=excluded.category, confidence=excluded.confidence, rule=excluded.rule,
  summary=excluded.summary, evidence_json=excluded.evidence_json, diagnosed_at=excluded.diagnosed_at`),
		d.TaskID, string(d.Category), d.Confidence, d.Rule, d.Summary, string(evidence), at)
	return err
}

func (r Repo) GetDiagnosis(ctx context.Context, taskID string) (domain.Diagnosis, error) {
	var d domain.Diagnosis
	var category, evidence, at string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT task_id,category,confidence,rule,summary,evidence_json,diagnosed_at FROM diagnoses WHERE task_id=?`), taskID).
		Scan(&d.TaskID, &category, &d.Confidence, &d.Rule, &d.Summary, &evidence, &at)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Category = domain.DiagnosisCategory(category)
	if err := json.Unmarshal([]byte(evidence), &d.Evidence); err != nil {
		return d, err
	}
	return d, nil
}

// InsertRemediationTx records a dispatched remediation; the id is
// deterministic so re-dispatching the same diagnosis is absorbed.
func (r Repo) InsertRemediationTx(ctx context.Context, tx *sql.Tx, spec domain.RemediationSpec, at string) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO remediations(id,task_id,category,spec_json,created_at) VALUES (?,?,?,?,?) ON CONFLICT(id) DO NOTHING`),
		spec.ID, spec.TaskID, string(spec.Category), string(data), at)
	return err
}

func (r Repo) ListRemediations(ctx context.Context, taskID string) ([]domain.RemediationSpec, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT spec_json FROM remediations WHERE task_id=? ORDER BY created_at ASC, id ASC`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RemediationSpec
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var spec domain.RemediationSpec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			return nil, err
		}
		res = append(res, spec)
	}
	return res, rows.Err()
}
