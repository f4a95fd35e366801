package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"punchd/internal/classifier"
	"punchd/internal/commit"
	"punchd/internal/config"
	"punchd/internal/db"
	"punchd/internal/diagnosis"
	"punchd/internal/domain"
	"punchd/internal/events"
	"punchd/internal/fitter"
	"punchd/internal/governor"
	"punchd/internal/metrics"
	"punchd/internal/punchcard"
	"punchd/internal/repo"
	"punchd/internal/signal"
	"punchd/internal/verify"
)

// ErrTaskTerminal is returned when a checkpoint is requested for a task that
// already failed or was abandoned.
var ErrTaskTerminal = errors.New("task is terminal")

var tracer = otel.Tracer("punchd/engine")

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Classifier *classifier.Classifier
	Committer  commit.Committer
	Governor   *governor.Governor
	Now        func() time.Time
	Logger     *slog.Logger
}

// New wires an engine over an open, migrated store. sig may be nil, in which
// case kill signals are only logged.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, sig signal.Signaler) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cls, err := classifier.New()
	if err != nil {
		return Engine{}, fmt.Errorf("classifier: %w", err)
	}
	diag, err := diagnosis.New(cfg.Diagnosis)
	if err != nil {
		return Engine{}, fmt.Errorf("diagnosis: %w", err)
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	ev := events.Writer{Dialect: dialect}
	if sig == nil {
		sig = signal.Log{Logger: slog.Default().With("component", "signal")}
	}
	var committer commit.Committer = commit.Ledger{Repo: r}
	if cfg.Commit.Driver == "dolt" {
		committer = commit.Dolt{DB: conn, Dialect: dialect, Author: cfg.Commit.Author}
	}
	return Engine{
		DB:         conn,
		Repo:       r,
		Events:     ev,
		Config:     cfg,
		Classifier: cls,
		Committer:  committer,
		Governor:   governor.New(r, ev, cfg.Governor, diag, sig),
		Now:        time.Now,
		Logger:     slog.Default().With("component", "engine"),
	}, nil
}

// WithClock returns a copy of e whose every component reads now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	if e.Governor != nil {
		e.Governor.Now = now
		e.Governor.Events.Now = now
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IngestResult reports what one event changed.
type IngestResult struct {
	TaskID   string        `json:"task_id"`
	Punch    *domain.Punch `json:"punch,omitempty"`
	Inserted bool          `json:"inserted"`
	// Transitioned is set when a task_finished event moved the task to a terminal status.
	Transitioned bool   `json:"transitioned,omitempty"`
	ChildTaskID  string `json:"child_task_id,omitempty"`
}

// Ingest classifies evt and applies it in one transaction. Classification
// errors wrap classifier.ErrMalformed or classifier.ErrUnknownEventType and
// are permanent; anything else is a store failure worth retrying.
func (e Engine) Ingest(ctx context.Context, evt classifier.Event) (res IngestResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.Ingest", trace.WithAttributes(
		attribute.String("task_id", evt.TaskID),
		attribute.String("event_type", evt.EventType),
	))
	defer func() { endSpan(span, err) }()

	res.TaskID = evt.TaskID
	cls, err := e.Classifier.Classify(evt)
	if err != nil {
		return res, err
	}
	at := domain.FormatTime(evt.EmittedAt)
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		res = IngestResult{TaskID: evt.TaskID}
		if err := e.Repo.EnsureTaskTx(ctx, tx, evt.TaskID, at); err != nil {
			return err
		}
		if s := cls.Start; s != nil {
			if s.ParentID != "" {
				if err := e.Repo.EnsureTaskTx(ctx, tx, s.ParentID, at); err != nil {
					return err
				}
				if _, err := e.Repo.InsertChildRelationshipTx(ctx, tx, s.ParentID, evt.TaskID, at); err != nil {
					return fmt.Errorf("link %s to parent %s: %w", evt.TaskID, s.ParentID, err)
				}
			}
			if err := e.Repo.StartTaskTx(ctx, tx, repo.TaskStart{
				ID: evt.TaskID, ParentID: s.ParentID, Mode: s.Mode, Model: s.Model, CardID: s.CardID, StartedAt: at,
			}); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.TaskStarted, "task", evt.TaskID, "", events.EventPayload{
				"parent_id": s.ParentID, "mode": s.Mode, "card_id": s.CardID,
			})
		}
		if f := cls.Finish; f != nil {
			moved, err := e.Repo.TransitionTaskTx(ctx, tx, evt.TaskID, f.Status, at)
			if err != nil {
				return err
			}
			res.Transitioned = moved
			if !moved {
				return nil
			}
			// only the finish that moved the task may set its final cost
			if f.Cost != nil {
				if err := e.Repo.SetFinalCostTx(ctx, tx, evt.TaskID, *f.Cost); err != nil {
					return err
				}
			}
			return e.Events.Append(ctx, tx, events.TaskFinished, "task", evt.TaskID, "", events.EventPayload{"status": f.Status})
		}
		if cls.Punch == nil {
			return nil
		}
		inserted, err := e.Repo.InsertPunchTx(ctx, tx, *cls.Punch)
		if err != nil {
			return fmt.Errorf("insert punch: %w", err)
		}
		res.Punch, res.Inserted = cls.Punch, inserted
		if !inserted {
			return nil
		}
		if u := cls.Usage; u != nil {
			if err := e.Repo.AddCostTx(ctx, tx, evt.TaskID, u.Cost, u.TokensIn, u.TokensOut); err != nil {
				return fmt.Errorf("add cost: %w", err)
			}
		}
		if child := cls.ChildTaskID; child != "" {
			res.ChildTaskID = child
			switch cls.Punch.PunchType {
			case domain.PunchChildSpawn:
				if err := e.Repo.StartTaskTx(ctx, tx, repo.TaskStart{ID: child, ParentID: evt.TaskID, Mode: cls.Punch.PunchKey, StartedAt: at}); err != nil {
					return err
				}
				linked, err := e.Repo.InsertChildRelationshipTx(ctx, tx, evt.TaskID, child, at)
				if err != nil {
					return fmt.Errorf("link child %s: %w", child, err)
				}
				if linked {
					if err := e.Events.Append(ctx, tx, events.ChildSpawned, "task", evt.TaskID, "", events.EventPayload{"child_task_id": child, "mode": cls.Punch.PunchKey}); err != nil {
						return err
					}
				}
			case domain.PunchChildComplete:
				if err := e.Repo.MarkChildReturnedTx(ctx, tx, evt.TaskID, child, at); err != nil {
					return err
				}
			}
		}
		return e.Events.Append(ctx, tx, events.PunchRecorded, "task", evt.TaskID, "", events.EventPayload{
			"punch_type": string(cls.Punch.PunchType), "punch_key": cls.Punch.PunchKey, "source_hash": cls.Punch.SourceHash,
		})
	})
	return res, err
}

// Validate checks a task against a card the way every caller sees it: an
// empty card fails.
func (e Engine) Validate(ctx context.Context, taskID, cardID string) (punchcard.Result, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return punchcard.Result{}, err
	}
	res, err := punchcard.Validator{Store: e.Repo}.Validate(ctx, taskID, cardID)
	if err != nil {
		metrics.Validations.WithLabelValues(verify.StatusIndeterminate).Inc()
		return res, err
	}
	res = punchcard.FailClosed(res)
	metrics.Validations.WithLabelValues(res.Status).Inc()
	return res, nil
}

// VerifyTree validates a whole delegation tree.
func (e Engine) VerifyTree(ctx context.Context, req verify.Request) (rep verify.Report, err error) {
	ctx, span := tracer.Start(ctx, "engine.VerifyTree", trace.WithAttributes(
		attribute.String("root_task_id", req.RootTaskID),
		attribute.String("card_id", req.CardID),
	))
	defer func() {
		span.SetAttributes(attribute.String("status", rep.Status), attribute.Int("checked", rep.Checked))
		endSpan(span, err)
	}()
	v := verify.Verifier{Store: e.Repo}
	if e.Config != nil {
		v.MaxDepth, v.Timeout = e.Config.Verify.MaxDepth, e.Config.Verify.Timeout
	}
	return v.VerifyTree(ctx, req)
}

// CostRollup sums cost over a task subtree.
func (e Engine) CostRollup(ctx context.Context, rootID string) (repo.CostRollup, error) {
	depth := verify.DefaultMaxDepth
	if e.Config != nil && e.Config.Verify.MaxDepth > 0 {
		depth = e.Config.Verify.MaxDepth
	}
	return e.Repo.CostRollup(ctx, rootID, depth)
}

// TaskView is a task with its children, checkpoints and governance record.
// Cascade is only set on the root of a kill.
type TaskView struct {
	Task         domain.Task                `json:"task"`
	Children     []domain.ChildRelationship `json:"children"`
	Checkpoints  []domain.Checkpoint        `json:"checkpoints"`
	Kill         *domain.Kill               `json:"kill,omitempty"`
	Cascade      []domain.Kill              `json:"cascade,omitempty"`
	Diagnosis    *domain.Diagnosis          `json:"diagnosis,omitempty"`
	Remediations []domain.RemediationSpec   `json:"remediations,omitempty"`
}

func (e Engine) Task(ctx context.Context, id string) (TaskView, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	view := TaskView{Task: t, Children: []domain.ChildRelationship{}, Checkpoints: []domain.Checkpoint{}}
	children, err := e.Repo.ListChildren(ctx, id)
	if err != nil {
		return view, err
	}
	if children != nil {
		view.Children = children
	}
	cps, err := e.Repo.ListCheckpoints(ctx, id)
	if err != nil {
		return view, err
	}
	if cps != nil {
		view.Checkpoints = cps
	}
	k, err := e.Repo.GetKill(ctx, id)
	switch {
	case err == nil:
		view.Kill = &k
	case !errors.Is(err, repo.ErrNotFound):
		return view, err
	}
	if view.Kill != nil && view.Kill.RootTaskID == id {
		if view.Cascade, err = e.Repo.ListKillsByRoot(ctx, id); err != nil {
			return view, err
		}
	}
	d, err := e.Repo.GetDiagnosis(ctx, id)
	switch {
	case err == nil:
		view.Diagnosis = &d
	case !errors.Is(err, repo.ErrNotFound):
		return view, err
	}
	if view.Remediations, err = e.Repo.ListRemediations(ctx, id); err != nil {
		return view, err
	}
	return view, nil
}

// ReplaceCard swaps the rules of a card. This is the only write path for
// requirements.
func (e Engine) ReplaceCard(ctx context.Context, cardID string, reqs []domain.Requirement, actorID string) error {
	if cardID == "" {
		return errors.New("card id required")
	}
	for i := range reqs {
		if reqs[i].CardID == "" {
			reqs[i].CardID = cardID
		}
		if !reqs[i].PunchType.Valid() {
			return fmt.Errorf("card %s: unknown punch type %q", cardID, reqs[i].PunchType)
		}
		if reqs[i].PunchKeyPattern == "" {
			return fmt.Errorf("card %s: empty key pattern for %s", cardID, reqs[i].PunchType)
		}
	}
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ReplaceCardTx(ctx, tx, cardID, reqs); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.CardReplaced, "card", cardID, actorID, events.EventPayload{"rules": len(reqs)})
	})
}

// ImportCards replaces every card found in a TOML seed file.
func (e Engine) ImportCards(ctx context.Context, path, actorID string) ([]string, error) {
	cards, err := config.LoadCards(path)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id := range cards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := e.ReplaceCard(ctx, id, cards[id], actorID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Kill abandons a task and its descendants, then diagnoses it.
func (e Engine) Kill(ctx context.Context, taskID, reason string) (governor.KillResult, error) {
	ctx, span := tracer.Start(ctx, "engine.Kill", trace.WithAttributes(attribute.String("task_id", taskID)))
	res, err := e.Governor.Kill(ctx, taskID, reason)
	endSpan(span, err)
	return res, err
}

func (e Engine) Diagnose(ctx context.Context, taskID string) (domain.Diagnosis, error) {
	return e.Governor.Diagnose(ctx, taskID)
}

// Remediate diagnoses a task and stores the remediation it dispatches to.
func (e Engine) Remediate(ctx context.Context, taskID string) (domain.RemediationSpec, error) {
	d, err := e.Governor.Diagnose(ctx, taskID)
	if err != nil {
		return domain.RemediationSpec{}, err
	}
	return e.Governor.Remediate(ctx, d)
}

// Dispatch maps a caller supplied diagnosis to a remediation without storing it.
func (e Engine) Dispatch(d domain.Diagnosis) domain.RemediationSpec {
	return fitter.Dispatch(d, e.Governor.Limits)
}
