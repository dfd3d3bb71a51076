package repo

import (
	"context"
	"database/sql"
	"errors"

	"ariex/internal/domain"
)

func (r Repo) InsertWorkflowRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflow_runs(id,kind,agreement_id,status,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.Kind, run.AgreementID, run.Status, nullable(run.Error), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkflowRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE workflow_runs SET status=?, error=?, updated_at=? WHERE id=?`,
		run.Status, nullable(run.Error), run.UpdatedAt, run.ID))
}

func scanRun(row rowScanner) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := row.Scan(&run.ID, &run.Kind, &run.AgreementID, &run.Status, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) GetWorkflowRun(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowRun, error) {
	run, err := scanRun(r.q(tx).QueryRowContext(ctx, `SELECT id,kind,agreement_id,status,COALESCE(error,''),created_at,updated_at FROM workflow_runs WHERE id=?`, id))
	if err != nil {
		return run, err
	}
	run.Steps, err = r.ListWorkflowSteps(ctx, tx, run.ID)
	return run, err
}

// LatestWorkflowRun returns the newest run of a kind for an agreement.
func (r Repo) LatestWorkflowRun(ctx context.Context, tx *sql.Tx, agreementID, kind string) (domain.WorkflowRun, error) {
	run, err := scanRun(r.q(tx).QueryRowContext(ctx, `SELECT id,kind,agreement_id,status,COALESCE(error,''),created_at,updated_at FROM workflow_runs WHERE agreement_id=? AND kind=? ORDER BY created_at DESC, id DESC LIMIT 1`, agreementID, kind))
	if err != nil {
		return run, err
	}
	run.Steps, err = r.ListWorkflowSteps(ctx, tx, run.ID)
	return run, err
}

func (r Repo) UpsertWorkflowStep(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflow_steps(run_id,name,status,result_json,error,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(run_id,name) DO UPDATE SET status=excluded.status, result_json=excluded.result_json, error=excluded.error, updated_at=excluded.updated_at`,
		s.RunID, s.Name, s.Status, nullable(s.ResultJSON), nullable(s.Error), s.UpdatedAt)
	return err
}

func (r Repo) ListWorkflowSteps(ctx context.Context, tx *sql.Tx, runID string) ([]domain.WorkflowStep, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT run_id,name,status,COALESCE(result_json,''),COALESCE(error,''),updated_at FROM workflow_steps WHERE run_id=? ORDER BY updated_at, name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		var s domain.WorkflowStep
		if err := rows.Scan(&s.RunID, &s.Name, &s.Status, &s.ResultJSON, &s.Error, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
