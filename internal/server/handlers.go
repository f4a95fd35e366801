package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"punchd/internal/domain"
	"punchd/internal/engine"
	"punchd/internal/engine/auth"
	"punchd/internal/governor"
	"punchd/internal/ingest"
	"punchd/internal/punchcard"
	"punchd/internal/repo"
	"punchd/internal/verify"
)

type handlers struct {
	e        engine.Engine
	pipeline *ingest.Pipeline
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func (s handlers) ingest(ctx context.Context, req EventRequest) (IngestResponse, error) {
	evt, err := req.event()
	if err != nil {
		return IngestResponse{}, newAPIError(http.StatusBadRequest, "malformed_event", err.Error(), nil)
	}
	var res engine.IngestResult
	if s.pipeline != nil {
		res, err = s.pipeline.SubmitWait(ctx, evt)
	} else {
		res, err = s.e.Ingest(ctx, evt)
	}
	if err != nil {
		if !ingest.Permanent(err) && !errors.Is(err, ingest.ErrClosed) && s.pipeline != nil {
			return IngestResponse{}, newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), map[string]any{"task_id": evt.TaskID})
		}
		return IngestResponse{}, handleError(err)
	}
	return ingestResponse(res), nil
}

func errorBody(err error) apiErrorBody {
	var ae *apiError
	if errors.As(err, &ae) || errors.As(handleError(err), &ae) {
		return ae.Body
	}
	return apiErrorBody{Code: "internal_error", Message: err.Error()}
}

func (s handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Submit one execution event",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body EventRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := requirePermission(ctx, auth.PermEventsWrite); err != nil {
			return nil, err
		}
		res, err := s.ingest(ctx, input.Body)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-events",
		Method:      http.MethodPost,
		Path:        "/events/batch",
		Summary:     "Submit events in order",
		Description: "Events are applied in the order given. A failing event does not stop the rest of the batch.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body BatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermEventsWrite); err != nil {
			return nil, err
		}
		out := BatchResponse{Items: make([]BatchItem, 0, len(input.Body.Events))}
		for i, req := range input.Body.Events {
			res, err := s.ingest(ctx, req)
			if err != nil {
				body := errorBody(err)
				out.Items = append(out.Items, BatchItem{Index: i, Error: &body})
				out.Rejected++
				continue
			}
			out.Items = append(out.Items, BatchItem{Index: i, Response: &res})
			out.Accepted++
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit log events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,checkpoint,card"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"Return events after this id, oldest first"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := s.e.Repo.ListEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			AfterID:    after,
			Limit:      limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if after > 0 && len(items) == limit {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (s handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task with children and checkpoints",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, err
		}
		view, err := s.e.Task(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-punches",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/punches",
		Summary:     "List punches in emitted order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Type   string `query:"type" enum:"tool_call,command_exec,mcp_call,gate_pass,gate_fail,child_spawn,child_complete,cost_checkpoint,step_complete"`
		Limit  int    `query:"limit" default:"0" doc:"0 returns every punch"`
	}) (*struct {
		Body []domain.Punch `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, err
		}
		if _, err := s.e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := s.e.Repo.ListPunches(ctx, repo.PunchFilter{
			TaskID:    input.TaskID,
			PunchType: domain.PunchType(input.Type),
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Punch `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/validate",
		Summary:     "Validate a task against a punch card",
		Description: "A card with no rules fails. A store error yields 503 and never a pass.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		CardID string `query:"card_id" required:"true"`
	}) (*struct {
		Body punchcard.Result `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCheckpointsWrite); err != nil {
			return nil, err
		}
		res, err := s.e.Validate(ctx, input.TaskID, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		res.Missing = nonNilSlice(res.Missing)
		return &struct {
			Body punchcard.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-tree",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/verify-tree",
		Summary:     "Validate a task and every descendant",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   VerifyTreeRequest `json:"body"`
	}) (*struct {
		Body verify.Report `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCheckpointsWrite); err != nil {
			return nil, err
		}
		rep, err := s.e.VerifyTree(ctx, verify.Request{
			RootTaskID: input.TaskID,
			CardID:     input.Body.CardID,
			ChildCards: input.Body.ChildCards,
		})
		if err != nil {
			return nil, handleError(err)
		}
		rep.Failures = nonNilSlice(rep.Failures)
		return &struct {
			Body verify.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cost-rollup",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/cost",
		Summary:     "Total cost of a task subtree",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body repo.CostRollup `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, err
		}
		rollup, err := s.e.CostRollup(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.CostRollup `json:"body"`
		}{Body: rollup}, nil
	})
}

func (s handlers) registerCheckpoints(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-checkpoint",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/checkpoints",
		Summary:       "Validate and checkpoint a task",
		Description:   "A passing checkpoint is committed before it is reported. A failing one is stored without a commit.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   CheckpointRequest `json:"body"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCheckpointsWrite); err != nil {
			return nil, err
		}
		cp, err := s.e.Checkpoint(ctx, input.TaskID, input.Body.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		cp.Missing = nonNilSlice(cp.Missing)
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: cp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/checkpoints",
		Summary:     "List checkpoints of a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, err
		}
		if _, err := s.e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := s.e.Repo.ListCheckpoints(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/checkpoints/{checkpoint_id}",
		Summary:     "Get a checkpoint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CheckpointID string `path:"checkpoint_id"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, err
		}
		cp, err := s.e.Repo.GetCheckpoint(ctx, input.CheckpointID)
		if err != nil {
			return nil, handleError(err)
		}
		cp.Missing = nonNilSlice(cp.Missing)
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: cp}, nil
	})
}

func (s handlers) registerGovernor(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "kill-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/kill",
		Summary:     "Abandon a task and its live descendants",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string      `path:"task_id"`
		Body   *KillRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body governor.KillResult `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermGovernorKill); err != nil {
			return nil, err
		}
		reason := governor.ReasonManual
		if input.Body != nil && input.Body.Reason != "" {
			reason = input.Body.Reason
		}
		res, err := s.e.Kill(ctx, input.TaskID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		res.Killed = nonNilSlice(res.Killed)
		return &struct {
			Body governor.KillResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "governor-states",
		Method:      http.MethodGet,
		Path:        "/governor/states",
		Summary:     "Latest governance verdicts, riskiest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []governor.TaskState `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermGovernorKill); err != nil {
			return nil, err
		}
		return &struct {
			Body []governor.TaskState `json:"body"`
		}{Body: nonNilSlice(s.e.Governor.States())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "governor-evaluate",
		Method:      http.MethodGet,
		Path:        "/governor/states/{task_id}",
		Summary:     "Score one task now without acting on it",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body governor.TaskState `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermGovernorKill); err != nil {
			return nil, err
		}
		st, err := s.e.Governor.Evaluate(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body governor.TaskState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "diagnose-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/diagnose",
		Summary:     "Classify why a task stalled",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Diagnosis `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermDiagnosisRun); err != nil {
			return nil, err
		}
		d, err := s.e.Diagnose(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Diagnosis `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remediate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/remediate",
		Summary:     "Diagnose a task and store its remediation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.RemediationSpec `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermDiagnosisRun); err != nil {
			return nil, err
		}
		spec, err := s.e.Remediate(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RemediationSpec `json:"body"`
		}{Body: spec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Map a diagnosis to a remediation without storing it",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body domain.Diagnosis `json:"body"`
	}) (*struct {
		Body domain.RemediationSpec `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermDiagnosisRun); err != nil {
			return nil, err
		}
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		return &struct {
			Body domain.RemediationSpec `json:"body"`
		}{Body: s.e.Dispatch(input.Body)}, nil
	})
}

func (s handlers) registerCards(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List punch card ids",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, err
		}
		ids, err := s.e.Repo.ListCardIDs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(ids)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Get punch card rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, err
		}
		rules, err := s.e.Repo.ListRequirements(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(rules) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "card not found", map[string]any{"card_id": input.CardID})
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: CardResponse{ID: input.CardID, Rules: rules}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-card",
		Method:      http.MethodPut,
		Path:        "/cards/{card_id}",
		Summary:     "Replace punch card rules",
		Description: "Rules default to required. Set required to false for a forbidden rule.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CardID string             `path:"card_id"`
		Body   ReplaceCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		principal, authErr := requirePermission(ctx, auth.PermCardsWrite)
		if authErr != nil {
			return nil, authErr
		}
		reqs := make([]domain.Requirement, 0, len(input.Body.Rules))
		for _, r := range input.Body.Rules {
			required := true
			if r.Required != nil {
				required = *r.Required
			}
			reqs = append(reqs, domain.Requirement{
				CardID:          input.CardID,
				PunchType:       r.PunchType,
				PunchKeyPattern: r.PunchKeyPattern,
				Required:        required,
				Description:     r.Description,
			})
		}
		if err := s.e.ReplaceCard(ctx, input.CardID, reqs, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: CardResponse{ID: input.CardID, Rules: reqs}}, nil
	})
}

func (s handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAll); err != nil {
			return nil, err
		}
		key, secret, err := s.e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name, input.Body.Permissions)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = secret
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAll); err != nil {
			return nil, err
		}
		keys, err := s.e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, err := requirePermission(ctx, auth.PermAll); err != nil {
			return nil, err
		}
		if err := s.e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
