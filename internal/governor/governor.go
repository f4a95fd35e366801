// Package governor watches running tasks for runaway behaviour and kills them.
package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"punchd/internal/config"
	"punchd/internal/diagnosis"
	"punchd/internal/domain"
	"punchd/internal/events"
	"punchd/internal/fitter"
	"punchd/internal/metrics"
	"punchd/internal/repo"
	"punchd/internal/signal"
)

const (
	StateHealthy = "healthy"
	StateSuspect = "suspect"
	StateKilled  = "killed"
)

const (
	ReasonToolCalls = "tool_calls_without_progress"
	ReasonCost      = "cost_ceiling"
	ReasonRepeats   = "repeated_tool_call"
	ReasonCascade   = "cascade"
	ReasonManual    = "manual"
)

// ErrTaskNotRunning is returned by Kill when the task is already terminal.
var ErrTaskNotRunning = errors.New("task is not running")

// TaskState is the latest governance verdict for one task.
type TaskState struct {
	TaskID       string  `json:"task_id"`
	State        string  `json:"state" enum:"healthy,suspect,killed"`
	Score        float64 `json:"score"`
	Reason       string  `json:"reason,omitempty"`
	ToolCalls    int     `json:"tool_calls_since_progress"`
	Cost         float64 `json:"cost"`
	Repeats      int     `json:"repeats"`
	EvaluatedAt  string  `json:"evaluated_at"`
	LastProgress string  `json:"last_progress_at,omitempty"`
}

// KillResult reports a kill and its cascade. Killed is empty when another
// caller won the race.
type KillResult struct {
	RootTaskID  string                  `json:"root_task_id"`
	Reason      string                  `json:"reason"`
	Killed      []string                `json:"killed"`
	Diagnosis   *domain.Diagnosis       `json:"diagnosis,omitempty"`
	Remediation *domain.RemediationSpec `json:"remediation,omitempty"`
}

type Governor struct {
	Repo      repo.Repo
	Events    events.Writer
	Config    config.GovernorConfig
	Diagnoser *diagnosis.Diagnoser
	Signaler  signal.Signaler
	Limits    fitter.Limits
	Now       func() time.Time
	Logger    *slog.Logger

	mu     sync.Mutex
	states map[string]TaskState
}

func New(r repo.Repo, ev events.Writer, cfg config.GovernorConfig, d *diagnosis.Diagnoser, s signal.Signaler) *Governor {
	return &Governor{
		Repo:      r,
		Events:    ev,
		Config:    cfg,
		Diagnoser: d,
		Signaler:  s,
		Limits:    fitter.Limits{MaxToolCalls: cfg.MaxToolCallsWithoutProgress, MaxCost: cfg.MaxCost / 2},
		Now:       time.Now,
		Logger:    slog.Default().With("component", "governor"),
		states:    map[string]TaskState{},
	}
}

func (g *Governor) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Governor) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Score computes the verdict from a profile: each signal is divided by its
// threshold and the largest ratio decides.
func (g *Governor) Score(p diagnosis.Profile) TaskState {
	st := TaskState{
		TaskID:       p.TaskID,
		ToolCalls:    p.ToolCallsSinceProgress,
		Cost:         p.Cost,
		Repeats:      p.CurrentRepeat,
		LastProgress: p.LastProgressAt,
	}
	ratios := []struct {
		reason string
		value  float64
	}{
		{ReasonToolCalls, ratio(float64(p.ToolCallsSinceProgress), float64(g.Config.MaxToolCallsWithoutProgress))},
		{ReasonCost, ratio(p.Cost, g.Config.MaxCost)},
		{ReasonRepeats, ratio(float64(p.CurrentRepeat), float64(g.Config.MaxRepeats))},
	}
	for _, r := range ratios {
		if r.value > st.Score {
			st.Score, st.Reason = r.value, r.reason
		}
	}
	switch {
	case st.Score >= 1:
		st.State = StateKilled
	case st.Score >= g.Config.SuspectRatio:
		st.State = StateSuspect
	default:
		st.State = StateHealthy
		st.Reason = ""
	}
	return st
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return v / limit
}

func (g *Governor) profile(ctx context.Context, task domain.Task, until time.Time) (diagnosis.Profile, error) {
	punches, err := g.Repo.ListPunches(ctx, repo.PunchFilter{TaskID: task.ID})
	if err != nil {
		return diagnosis.Profile{}, fmt.Errorf("list punches of %s: %w", task.ID, err)
	}
	var sets diagnosis.ToolSets
	if g.Diagnoser != nil {
		sets = g.Diagnoser.Sets
	}
	return diagnosis.BuildProfile(task, punches, until, sets), nil
}

// Evaluate recomputes and records the state of one task without acting on it.
func (g *Governor) Evaluate(ctx context.Context, taskID string) (TaskState, error) {
	task, err := g.Repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskState{}, err
	}
	p, err := g.profile(ctx, task, time.Time{})
	if err != nil {
		return TaskState{}, err
	}
	st := g.Score(p)
	st.EvaluatedAt = domain.FormatTime(g.now())
	if task.Status != domain.TaskRunning {
		g.forget(taskID)
		return st, nil
	}
	g.record(st)
	return st, nil
}

func (g *Governor) record(st TaskState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.states == nil {
		g.states = map[string]TaskState{}
	}
	g.states[st.TaskID] = st
}

func (g *Governor) forget(taskID string) {
	g.mu.Lock()
	delete(g.states, taskID)
	g.mu.Unlock()
}

// States returns a snapshot of the tracked tasks ordered by descending score.
func (g *Governor) States() []TaskState {
	g.mu.Lock()
	out := make([]TaskState, 0, len(g.states))
	for _, st := range g.states {
		out = append(out, st)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Scan evaluates every running task and kills the ones over threshold.
func (g *Governor) Scan(ctx context.Context) ([]KillResult, error) {
	tasks, err := g.Repo.ListTasksByStatus(ctx, domain.TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	running := make(map[string]bool, len(tasks))
	counts := map[string]int{StateHealthy: 0, StateSuspect: 0, StateKilled: 0}
	// descendants abandoned by an earlier kill in this scan
	killed := map[string]bool{}
	var results []KillResult
	for _, task := range tasks {
		if killed[task.ID] {
			continue
		}
		running[task.ID] = true
		p, err := g.profile(ctx, task, time.Time{})
		if err != nil {
			return results, err
		}
		st := g.Score(p)
		st.EvaluatedAt = domain.FormatTime(g.now())
		counts[st.State]++
		if st.State != StateKilled {
			g.record(st)
			continue
		}
		res, err := g.Kill(ctx, task.ID, st.Reason)
		if errors.Is(err, ErrTaskNotRunning) {
			continue
		}
		if err != nil {
			return results, err
		}
		for _, id := range res.Killed {
			killed[id] = true
			delete(running, id)
			g.forget(id)
		}
		g.forget(task.ID)
		results = append(results, res)
	}
	g.mu.Lock()
	for id := range g.states {
		if !running[id] {
			delete(g.states, id)
		}
	}
	g.mu.Unlock()
	for state, n := range counts {
		metrics.GovernedTasks.WithLabelValues(state).Set(float64(n))
	}
	return results, nil
}

// Run scans on every tick until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	interval := g.Config.ScanInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if results, err := g.Scan(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger().Error("governor scan failed", "err", err)
		} else if len(results) > 0 {
			g.logger().Info("governor scan", "kills", len(results))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Kill abandons a running task and its live descendants. The compare-and-swap
// on the task row decides the winner; a losing caller gets ErrTaskNotRunning
// and nothing cascades. Signals go out after the transaction commits, then the
// root is diagnosed and a remediation spec is stored and returned.
func (g *Governor) Kill(ctx context.Context, taskID, reason string) (KillResult, error) {
	if reason == "" {
		reason = ReasonManual
	}
	at := domain.FormatTime(g.now())
	maxDepth := g.Config.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}
	res := KillResult{RootTaskID: taskID, Reason: reason, Killed: []string{}}
	var kills []domain.Kill
	err := g.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		won, err := g.Repo.AbandonTaskTx(ctx, tx, taskID, at)
		if err != nil {
			return err
		}
		if !won {
			if _, err := g.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
				return err
			}
			return ErrTaskNotRunning
		}
		kills = append(kills, domain.Kill{ID: uuid.NewString(), TaskID: taskID, RootTaskID: taskID, Reason: reason, KilledAt: at})

		type node struct {
			id    string
			depth int
		}
		visited := map[string]bool{taskID: true}
		queue := []node{{id: taskID}}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.depth >= maxDepth {
				g.logger().Warn("kill cascade depth cap reached", "root_task_id", taskID, "task_id", cur.id)
				continue
			}
			children, err := g.Repo.ListChildrenTx(ctx, tx, cur.id)
			if err != nil {
				return err
			}
			for _, c := range children {
				if visited[c.ChildTaskID] {
					continue
				}
				visited[c.ChildTaskID] = true
				queue = append(queue, node{id: c.ChildTaskID, depth: cur.depth + 1})
				won, err := g.Repo.AbandonTaskTx(ctx, tx, c.ChildTaskID, at)
				if err != nil {
					return err
				}
				if won {
					kills = append(kills, domain.Kill{ID: uuid.NewString(), TaskID: c.ChildTaskID, RootTaskID: taskID, Reason: ReasonCascade, KilledAt: at})
				}
			}
		}
		for _, k := range kills {
			if err := g.Repo.InsertKillTx(ctx, tx, k); err != nil {
				return fmt.Errorf("record kill of %s: %w", k.TaskID, err)
			}
			if err := g.Events.Append(ctx, tx, events.TaskKilled, "task", k.TaskID, "", events.EventPayload{
				"root_task_id": k.RootTaskID, "reason": k.Reason, "kill_id": k.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	for _, k := range kills {
		res.Killed = append(res.Killed, k.TaskID)
		metrics.Kills.WithLabelValues(k.Reason).Inc()
		g.forget(k.TaskID)
		if g.Signaler == nil {
			continue
		}
		sig := signal.Kill{KillID: k.ID, TaskID: k.TaskID, RootTaskID: k.RootTaskID, Reason: k.Reason, KilledAt: k.KilledAt}
		if err := g.Signaler.Send(ctx, sig); err != nil {
			metrics.SignalFailures.Inc()
			g.logger().Error("kill signal failed", "task_id", k.TaskID, "err", err)
		}
	}
	g.logger().Info("task killed", "task_id", taskID, "reason", reason, "cascade", len(kills)-1)

	d, err := g.Diagnose(ctx, taskID)
	if err != nil {
		return res, fmt.Errorf("diagnose %s: %w", taskID, err)
	}
	spec, err := g.Remediate(ctx, d)
	if err != nil {
		return res, err
	}
	res.Diagnosis, res.Remediation = &d, &spec
	return res, nil
}

// Diagnose classifies a task from its stored history and persists the result.
// The history is judged at the kill time when there is one, else at
// completion, so repeating the call yields the same diagnosis.
func (g *Governor) Diagnose(ctx context.Context, taskID string) (domain.Diagnosis, error) {
	if g.Diagnoser == nil {
		return domain.Diagnosis{}, errors.New("diagnosis not configured")
	}
	task, err := g.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Diagnosis{}, err
	}
	var until time.Time
	if k, err := g.Repo.GetKill(ctx, taskID); err == nil {
		until, _ = domain.ParseTime(k.KilledAt)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Diagnosis{}, err
	} else if task.CompletedAt != nil {
		until, _ = domain.ParseTime(*task.CompletedAt)
	}
	p, err := g.profile(ctx, task, until)
	if err != nil {
		return domain.Diagnosis{}, err
	}
	d := g.Diagnoser.Diagnose(p)
	err = g.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := g.Repo.UpsertDiagnosisTx(ctx, tx, d, domain.FormatTime(g.now())); err != nil {
			return err
		}
		return g.Events.Append(ctx, tx, events.TaskDiagnosed, "task", taskID, "", events.EventPayload{
			"category": string(d.Category), "rule": d.Rule, "confidence": d.Confidence,
		})
	})
	if err != nil {
		return d, fmt.Errorf("store diagnosis: %w", err)
	}
	metrics.Diagnoses.WithLabelValues(string(d.Category)).Inc()
	return d, nil
}

// Remediate dispatches a diagnosis and stores the resulting spec.
func (g *Governor) Remediate(ctx context.Context, d domain.Diagnosis) (domain.RemediationSpec, error) {
	spec := fitter.Dispatch(d, g.Limits)
	err := g.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := g.Repo.InsertRemediationTx(ctx, tx, spec, domain.FormatTime(g.now())); err != nil {
			return err
		}
		return g.Events.Append(ctx, tx, events.RemediationCreated, "task", d.TaskID, "", events.EventPayload{
			"remediation_id": spec.ID, "category": string(spec.Category), "escalate": spec.Escalate,
		})
	})
	if err != nil {
		return spec, fmt.Errorf("store remediation: %w", err)
	}
	return spec, nil
}
