package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"punchd/internal/commit"
	"punchd/internal/domain"
	"punchd/internal/events"
	"punchd/internal/metrics"
	"punchd/internal/punchcard"
	"punchd/internal/repo"
)

// Checkpoint runs the commit gate for (taskID, cardID). The card must pass
// and every child edge of the task must be resolved valid; otherwise a fail
// checkpoint is stored and returned. A passing checkpoint is staged as
// pass_pending, committed, then finalized, and the task completes.
//
// An indeterminate validation returns punchcard.ErrIndeterminate and writes
// nothing. Repeating the call after a pass returns the stored pass.
func (e Engine) Checkpoint(ctx context.Context, taskID, cardID string) (cp domain.Checkpoint, err error) {
	ctx, span := tracer.Start(ctx, "engine.Checkpoint", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("card_id", cardID),
	))
	defer func() {
		span.SetAttributes(attribute.String("status", cp.Status))
		endSpan(span, err)
	}()

	if cardID == "" {
		return cp, errors.New("card id required")
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return cp, err
	}
	var prior *domain.Checkpoint
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.LatestCheckpointTx(ctx, tx, taskID, cardID, domain.CheckpointPass, domain.CheckpointPassPending)
		if err == nil {
			prior = &c
			return nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return cp, err
	}
	if prior != nil {
		return e.resume(ctx, *prior)
	}
	if task.Status == domain.TaskFailed || task.Status == domain.TaskAbandoned {
		return cp, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Status)
	}

	res, err := e.Validate(ctx, taskID, cardID)
	if err != nil {
		return cp, err
	}
	at := domain.FormatTime(e.now())
	cp = domain.Checkpoint{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		CardID:      cardID,
		ValidatedAt: at,
		Missing:     append([]domain.MissingRef{}, res.Missing...),
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		unresolved, err := e.Repo.UnresolvedChildrenTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		for _, child := range unresolved {
			cp.Missing = append(cp.Missing, domain.MissingRef{
				Ref:         "child:" + child,
				Marker:      domain.MarkerChildInvalid,
				Description: "child " + child + " has no passing checkpoint",
			})
		}
		cp.Status = domain.CheckpointPassPending
		if len(cp.Missing) > 0 {
			cp.Status = domain.CheckpointFail
		}
		inserted, err := e.Repo.InsertCheckpointTx(ctx, tx, cp)
		if err != nil {
			return fmt.Errorf("stage checkpoint: %w", err)
		}
		if !inserted {
			// a concurrent call staged (task, card) first
			live, err := e.Repo.LatestCheckpointTx(ctx, tx, taskID, cardID, domain.CheckpointPass, domain.CheckpointPassPending)
			if err != nil {
				return fmt.Errorf("stage checkpoint: %w", err)
			}
			prior = &live
			return nil
		}
		if cp.Status == domain.CheckpointFail {
			// the parent's gate must see this child as invalid unless another
			// card already proved it
			if err := e.Repo.InvalidateChildTx(ctx, tx, taskID, at); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, events.CheckpointStaged, "checkpoint", cp.ID, "", events.EventPayload{
			"task_id": taskID, "card_id": cardID, "status": cp.Status, "missing": len(cp.Missing),
		})
	})
	if err != nil {
		return cp, err
	}
	if prior != nil {
		return e.resume(ctx, *prior)
	}
	if cp.Status == domain.CheckpointFail {
		metrics.Checkpoints.WithLabelValues(domain.CheckpointFail).Inc()
		e.logger().Info("checkpoint failed", "task_id", taskID, "card_id", cardID, "missing", len(cp.Missing))
		return cp, nil
	}
	return e.finalize(ctx, cp)
}

// resume returns a stored live checkpoint, finalizing it when still pending.
// A stored pass is written back to edges that lost its hash.
func (e Engine) resume(ctx context.Context, cp domain.Checkpoint) (domain.Checkpoint, error) {
	if cp.Status != domain.CheckpointPass {
		return e.finalize(ctx, cp)
	}
	if cp.CommitHash != nil {
		err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.RestoreChildTx(ctx, tx, cp.TaskID, *cp.CommitHash, cp.ValidatedAt)
		})
		if err != nil {
			return cp, err
		}
	}
	return cp, nil
}

// finalize commits a pass_pending checkpoint and flips it to pass. Both steps
// are idempotent, so an interrupted finalize can simply run again.
func (e Engine) finalize(ctx context.Context, cp domain.Checkpoint) (domain.Checkpoint, error) {
	hash, err := e.Committer.Commit(ctx, commit.Request{
		CheckpointID: cp.ID,
		TaskID:       cp.TaskID,
		CardID:       cp.CardID,
		At:           cp.ValidatedAt,
	})
	if err != nil {
		return cp, fmt.Errorf("commit checkpoint %s: %w", cp.ID, err)
	}
	at := domain.FormatTime(e.now())
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		flipped, err := e.Repo.FinalizeCheckpointTx(ctx, tx, cp.ID, hash)
		if err != nil {
			return err
		}
		if !flipped {
			return nil
		}
		if _, err := e.Repo.TransitionTaskTx(ctx, tx, cp.TaskID, domain.TaskCompleted, at); err != nil {
			return err
		}
		if err := e.Repo.ResolveChildTx(ctx, tx, cp.TaskID, true, &hash, at); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.CheckpointPassed, "checkpoint", cp.ID, "", events.EventPayload{
			"task_id": cp.TaskID, "card_id": cp.CardID, "commit_hash": hash,
		})
	})
	if err != nil {
		return cp, fmt.Errorf("finalize checkpoint %s: %w", cp.ID, err)
	}
	metrics.Checkpoints.WithLabelValues(domain.CheckpointPass).Inc()
	cp.Status, cp.CommitHash = domain.CheckpointPass, &hash
	e.logger().Info("checkpoint passed", "task_id", cp.TaskID, "card_id", cp.CardID, "commit_hash", hash)
	return cp, nil
}

// ResumePending finalizes every checkpoint left between stage and finalize.
func (e Engine) ResumePending(ctx context.Context) ([]domain.Checkpoint, error) {
	pending, err := e.Repo.ListPendingCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Checkpoint, 0, len(pending))
	var errs []error
	for _, cp := range pending {
		done, err := e.finalize(ctx, cp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, done)
	}
	return out, errors.Join(errs...)
}

// IsIndeterminate reports whether err means the store could not answer.
func IsIndeterminate(err error) bool {
	return errors.Is(err, punchcard.ErrIndeterminate)
}
