// Package punchcard checks a task's punches against the requirements of a card.
package punchcard

import (
	"context"
	"errors"
	"fmt"

	"punchd/internal/domain"
)

// ErrIndeterminate means the store could not answer. It is neither pass nor fail.
var ErrIndeterminate = errors.New("validation indeterminate")

const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Store is the read side the validator needs.
type Store interface {
	ListRequirements(ctx context.Context, cardID string) ([]domain.Requirement, error)
	CountMatchingPunches(ctx context.Context, taskID string, punchType domain.PunchType, pattern string) (int, error)
}

type Result struct {
	TaskID    string              `json:"task_id"`
	CardID    string              `json:"card_id"`
	Status    string              `json:"status" enum:"pass,fail"`
	Missing   []domain.MissingRef `json:"missing"`
	EmptyCard bool                `json:"empty_card,omitempty"`
}

// Valid reports whether the result is a pass.
func (r Result) Valid() bool { return r.Status == StatusPass }

type Validator struct {
	Store Store
}

// Validate evaluates every requirement of cardID against taskID. A card with
// no rules passes vacuously with EmptyCard set; callers decide how to treat it.
func (v Validator) Validate(ctx context.Context, taskID, cardID string) (Result, error) {
	res := Result{TaskID: taskID, CardID: cardID, Missing: []domain.MissingRef{}}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrIndeterminate, err)
	}
	reqs, err := v.Store.ListRequirements(ctx, cardID)
	if err != nil {
		return res, fmt.Errorf("%w: list requirements of %s: %v", ErrIndeterminate, cardID, err)
	}
	if len(reqs) == 0 {
		res.Status = StatusPass
		res.EmptyCard = true
		return res, nil
	}
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %v", ErrIndeterminate, err)
		}
		n, err := v.Store.CountMatchingPunches(ctx, taskID, req.PunchType, req.PunchKeyPattern)
		if err != nil {
			return res, fmt.Errorf("%w: count %s: %v", ErrIndeterminate, req.Ref(), err)
		}
		switch {
		case req.Required && n == 0:
			res.Missing = append(res.Missing, domain.MissingRef{Ref: req.Ref(), Marker: domain.MarkerMissing, Description: req.Description})
		case !req.Required && n > 0:
			res.Missing = append(res.Missing, domain.MissingRef{Ref: req.Ref(), Marker: domain.MarkerForbidden, Count: n, Description: req.Description})
		}
	}
	res.Status = StatusPass
	if len(res.Missing) > 0 {
		res.Status = StatusFail
	}
	return res, nil
}

// FailClosed turns a vacuous pass on an empty card into a failure. It is what
// every caller-facing surface applies.
func FailClosed(res Result) Result {
	if !res.EmptyCard {
		return res
	}
	res.Status = StatusFail
	res.Missing = append(res.Missing, domain.MissingRef{
		Ref:         "card:" + res.CardID,
		Marker:      domain.MarkerNoRequirements,
		Description: "no requirements found for card " + res.CardID,
	})
	return res
}
