package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/events"
	"ariex/internal/repo"
)

const (
	WorkflowRunning   = "running"
	WorkflowFailed    = "failed"
	WorkflowCompleted = "completed"

	WorkflowSendAgreement = "send_agreement"
	WorkflowSendStrategy  = "send_strategy"
)

// WorkflowError reports the step a recorded run stopped at.
type WorkflowError struct {
	RunID string
	Step  string
	Err   error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s failed at %s: %v", e.RunID, e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// stepResults holds the decoded results of the steps that ran so far.
type stepResults map[string]json.RawMessage

func (r stepResults) decode(step string, dst any) error {
	raw, ok := r[step]
	if !ok {
		return fmt.Errorf("step %s has no result", step)
	}
	return json.Unmarshal(raw, dst)
}

type workflowStep struct {
	name string
	run  func(ctx context.Context, prev stepResults) (any, error)
}

// runWorkflow executes steps in order and records each outcome. A failed
// run of the same kind is resumed: steps already completed are skipped and
// their stored results are handed to later steps. Runs older than the
// orphan TTL are abandoned, since their temporary documents may have been
// swept.
func (e Engine) runWorkflow(ctx context.Context, kind, agreementID string, actor auth.Principal, steps []workflowStep) (domain.WorkflowRun, stepResults, error) {
	run, err := e.resumableRun(ctx, kind, agreementID)
	if err != nil {
		return run, nil, err
	}
	if run.ID == "" {
		now := e.nowString()
		run = domain.WorkflowRun{
			ID:          uuid.NewString(),
			Kind:        kind,
			AgreementID: agreementID,
			Status:      WorkflowRunning,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertWorkflowRun(ctx, nil, run); err != nil {
			return run, nil, fmt.Errorf("insert workflow run: %w", err)
		}
	} else {
		e.log().Info("resuming workflow", "run_id", run.ID, "kind", kind, "agreement_id", agreementID)
		run.Status = WorkflowRunning
		run.Error = ""
		run.UpdatedAt = e.nowString()
		if err := e.Repo.UpdateWorkflowRun(ctx, nil, run); err != nil {
			return run, nil, err
		}
	}

	results := stepResults{}
	done := map[string]bool{}
	for _, s := range run.Steps {
		if s.Status == WorkflowCompleted {
			done[s.Name] = true
			if s.ResultJSON != "" {
				results[s.Name] = json.RawMessage(s.ResultJSON)
			}
		}
	}

	for _, step := range steps {
		if done[step.name] {
			continue
		}
		out, stepErr := step.run(ctx, results)
		rec := domain.WorkflowStep{RunID: run.ID, Name: step.name, UpdatedAt: e.nowString()}
		if stepErr != nil {
			rec.Status = WorkflowFailed
			rec.Error = stepErr.Error()
			if err := e.Repo.UpsertWorkflowStep(ctx, nil, rec); err != nil {
				e.log().Error("record workflow step", "run_id", run.ID, "step", step.name, "err", err)
			}
			e.log().Warn("workflow step failed", "run_id", run.ID, "kind", kind, "agreement_id", agreementID, "step", step.name, "err", stepErr)
			wfErr := &WorkflowError{RunID: run.ID, Step: step.name, Err: stepErr}
			return e.finishRun(ctx, run, actor, wfErr), results, wfErr
		}
		if out != nil {
			data, err := json.Marshal(out)
			if err != nil {
				return run, results, err
			}
			rec.ResultJSON = string(data)
			results[step.name] = data
		}
		rec.Status = WorkflowCompleted
		if err := e.Repo.UpsertWorkflowStep(ctx, nil, rec); err != nil {
			return run, results, fmt.Errorf("record step %s: %w", step.name, err)
		}
		run.Steps = append(run.Steps, rec)
	}
	return e.finishRun(ctx, run, actor, nil), results, nil
}

func (e Engine) resumableRun(ctx context.Context, kind, agreementID string) (domain.WorkflowRun, error) {
	run, err := e.Repo.LatestWorkflowRun(ctx, nil, agreementID, kind)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowRun{}, nil
	}
	if err != nil {
		return run, err
	}
	if run.Status == WorkflowCompleted {
		return domain.WorkflowRun{}, nil
	}
	cutoff := e.now().Add(-e.Config.OrphanTTL()).UTC().Format(time.RFC3339)
	if run.CreatedAt < cutoff {
		return domain.WorkflowRun{}, nil
	}
	return run, nil
}

func (e Engine) finishRun(ctx context.Context, run domain.WorkflowRun, actor auth.Principal, runErr *WorkflowError) domain.WorkflowRun {
	run.UpdatedAt = e.nowString()
	evt := "workflow.completed"
	payload := events.EventPayload{"run_id": run.ID, "kind": run.Kind}
	if runErr != nil {
		run.Status = WorkflowFailed
		run.Error = runErr.Error()
		evt = "workflow.failed"
		payload["step"] = runErr.Step
		payload["error"] = runErr.Err.Error()
	} else {
		run.Status = WorkflowCompleted
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.log().Error("finish workflow run", "run_id", run.ID, "err", err)
		return run
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkflowRun(ctx, tx, run); err != nil {
		e.log().Error("finish workflow run", "run_id", run.ID, "err", err)
		return run
	}
	if err := e.Events.Append(ctx, tx, evt, run.AgreementID, "workflow_run", run.ID, actor.ActorID, payload); err != nil {
		e.log().Error("finish workflow run", "run_id", run.ID, "err", err)
		return run
	}
	if err := tx.Commit(); err != nil {
		e.log().Error("finish workflow run", "run_id", run.ID, "err", err)
	}
	return run
}

func (e Engine) GetWorkflowRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return e.Repo.GetWorkflowRun(ctx, nil, id)
}
