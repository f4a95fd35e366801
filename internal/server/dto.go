package server

import (
	"encoding/json"
	"time"

	"punchd/internal/classifier"
	"punchd/internal/domain"
	"punchd/internal/engine"
)

// Request payloads

type EventRequest struct {
	TaskID    string         `json:"task_id" minLength:"1"`
	EventType string         `json:"event_type" minLength:"1"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

func (r EventRequest) event() (classifier.Event, error) {
	evt := classifier.Event{TaskID: r.TaskID, EventType: r.EventType, EmittedAt: r.EmittedAt}
	if r.Payload != nil {
		data, err := json.Marshal(r.Payload)
		if err != nil {
			return evt, err
		}
		evt.Payload = data
	}
	return evt, nil
}

type BatchRequest struct {
	Events []EventRequest `json:"events" maxItems:"1000"`
}

type VerifyTreeRequest struct {
	CardID     string            `json:"card_id" minLength:"1"`
	ChildCards map[string]string `json:"child_cards,omitempty"`
}

type CheckpointRequest struct {
	CardID string `json:"card_id" minLength:"1"`
}

type KillRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RequirementRequest struct {
	PunchType       domain.PunchType `json:"punch_type" enum:"tool_call,command_exec,mcp_call,gate_pass,gate_fail,child_spawn,child_complete,cost_checkpoint,step_complete"`
	PunchKeyPattern string           `json:"punch_key_pattern" minLength:"1"`
	Required        *bool            `json:"required,omitempty"`
	Description     string           `json:"description,omitempty"`
}

type ReplaceCardRequest struct {
	Rules []RequirementRequest `json:"rules"`
}

type CreateAPIKeyRequest struct {
	ActorID     string   `json:"actor_id" minLength:"1"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type IngestResponse struct {
	TaskID       string        `json:"task_id"`
	Result       string        `json:"result" enum:"inserted,duplicate,applied"`
	Punch        *domain.Punch `json:"punch,omitempty"`
	Transitioned bool          `json:"transitioned,omitempty"`
	ChildTaskID  string        `json:"child_task_id,omitempty"`
}

func ingestResponse(res engine.IngestResult) IngestResponse {
	out := IngestResponse{
		TaskID:       res.TaskID,
		Result:       "applied",
		Punch:        res.Punch,
		Transitioned: res.Transitioned,
		ChildTaskID:  res.ChildTaskID,
	}
	if res.Punch != nil {
		out.Result = "duplicate"
		if res.Inserted {
			out.Result = "inserted"
		}
	}
	return out
}

type BatchItem struct {
	Index    int             `json:"index"`
	Response *IngestResponse `json:"response,omitempty"`
	Error    *apiErrorBody   `json:"error,omitempty"`
}

type BatchResponse struct {
	Items    []BatchItem `json:"items"`
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
}

type CardResponse struct {
	ID    string               `json:"id"`
	Rules []domain.Requirement `json:"rules"`
}

type APIKeyResponse struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at"`
	// Key is only returned at creation.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:          k.ID,
		ActorID:     k.ActorID,
		Name:        k.Name,
		Permissions: nonNilSlice(k.Permissions),
		CreatedAt:   k.CreatedAt,
	}
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
