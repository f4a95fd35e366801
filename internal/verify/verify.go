// Package verify walks a delegation tree and validates every task in it.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"punchd/internal/domain"
	"punchd/internal/punchcard"
	"punchd/internal/repo"
)

const (
	StatusPass            = "pass"
	StatusFail            = "fail"
	StatusIndeterminate   = "indeterminate"
	StatusStructuralError = "structural_error"
)

const (
	DefaultMaxDepth = 10
	DefaultTimeout  = 30 * time.Second
)

type Store interface {
	punchcard.Store
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListChildren(ctx context.Context, parentID string) ([]domain.ChildRelationship, error)
}

type Request struct {
	RootTaskID string
	CardID     string
	// ChildCards overrides the card used for specific descendants.
	ChildCards map[string]string
	Timeout    time.Duration
}

type Failure struct {
	TaskID  string              `json:"task_id"`
	CardID  string              `json:"card_id"`
	Depth   int                 `json:"depth"`
	Missing []domain.MissingRef `json:"missing"`
}

type Report struct {
	RootTaskID string    `json:"root_task_id"`
	CardID     string    `json:"card_id"`
	Status     string    `json:"status" enum:"pass,fail,indeterminate,structural_error"`
	Failures   []Failure `json:"failures"`
	Checked    int       `json:"checked"`
	Reason     string    `json:"reason,omitempty"`
}

type Verifier struct {
	Store    Store
	MaxDepth int
	Timeout  time.Duration
}

type node struct {
	id    string
	depth int
}

// VerifyTree validates the root and every descendant breadth first, collecting
// all failures. A store error or timeout aborts with indeterminate; a task
// reached twice or a tree deeper than MaxDepth aborts with structural_error.
func (v Verifier) VerifyTree(ctx context.Context, req Request) (Report, error) {
	rep := Report{RootTaskID: req.RootTaskID, CardID: req.CardID, Failures: []Failure{}}
	if req.RootTaskID == "" || req.CardID == "" {
		return rep, errors.New("root task and card are required")
	}
	if _, err := v.Store.GetTask(ctx, req.RootTaskID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rep, err
		}
		return indeterminate(rep, err), nil
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = v.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	maxDepth := v.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	validator := punchcard.Validator{Store: v.Store}
	visited := map[string]bool{req.RootTaskID: true}
	queue := []node{{id: req.RootTaskID}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		cardID, err := v.cardFor(ctx, req, cur)
		if err != nil {
			return indeterminate(rep, err), nil
		}
		res, err := validator.Validate(ctx, cur.id, cardID)
		if err != nil {
			return indeterminate(rep, err), nil
		}
		rep.Checked++
		res = punchcard.FailClosed(res)
		if !res.Valid() {
			rep.Failures = append(rep.Failures, Failure{TaskID: cur.id, CardID: cardID, Depth: cur.depth, Missing: res.Missing})
		}
		children, err := v.Store.ListChildren(ctx, cur.id)
		if err != nil {
			return indeterminate(rep, err), nil
		}
		if len(children) > 0 && cur.depth >= maxDepth {
			rep.Status = StatusStructuralError
			rep.Reason = fmt.Sprintf("depth cap %d exceeded below task %s", maxDepth, cur.id)
			return rep, nil
		}
		for _, c := range children {
			if visited[c.ChildTaskID] {
				rep.Status = StatusStructuralError
				rep.Reason = fmt.Sprintf("task %s reached twice (cycle through %s)", c.ChildTaskID, cur.id)
				return rep, nil
			}
			visited[c.ChildTaskID] = true
			queue = append(queue, node{id: c.ChildTaskID, depth: cur.depth + 1})
		}
	}
	rep.Status = StatusPass
	if len(rep.Failures) > 0 {
		rep.Status = StatusFail
	}
	return rep, nil
}

func (v Verifier) cardFor(ctx context.Context, req Request, n node) (string, error) {
	if n.depth == 0 {
		return req.CardID, nil
	}
	if card, ok := req.ChildCards[n.id]; ok && card != "" {
		return card, nil
	}
	task, err := v.Store.GetTask(ctx, n.id)
	if errors.Is(err, repo.ErrNotFound) {
		return req.CardID, nil
	}
	if err != nil {
		return "", err
	}
	if task.CardID != "" {
		return task.CardID, nil
	}
	return req.CardID, nil
}

func indeterminate(rep Report, err error) Report {
	rep.Status = StatusIndeterminate
	rep.Reason = err.Error()
	return rep
}
