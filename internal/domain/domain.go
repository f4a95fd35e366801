package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and RFC3339 (with or without fractions).
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskAbandoned = "abandoned"
)

// IsTerminalStatus reports whether a task status is final.
func IsTerminalStatus(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskAbandoned:
		return true
	}
	return false
}

type Task struct {
	ID          string  `json:"id"`
	ParentID    *string `json:"parent_id,omitempty"`
	Mode        string  `json:"mode,omitempty"`
	Model       string  `json:"model,omitempty"`
	CardID      string  `json:"card_id,omitempty"`
	Status      string  `json:"status" enum:"running,completed,failed,abandoned"`
	Cost        float64 `json:"cost"`
	TokensIn    int64   `json:"tokens_in"`
	TokensOut   int64   `json:"tokens_out"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type PunchType string

const (
	PunchToolCall       PunchType = "tool_call"
	PunchCommandExec    PunchType = "command_exec"
	PunchMCPCall        PunchType = "mcp_call"
	PunchGatePass       PunchType = "gate_pass"
	PunchGateFail       PunchType = "gate_fail"
	PunchChildSpawn     PunchType = "child_spawn"
	PunchChildComplete  PunchType = "child_complete"
	PunchCostCheckpoint PunchType = "cost_checkpoint"
	PunchStepComplete   PunchType = "step_complete"
)

// PunchTypes lists every known punch type in declaration order.
var PunchTypes = []PunchType{
	PunchToolCall, PunchCommandExec, PunchMCPCall, PunchGatePass, PunchGateFail,
	PunchChildSpawn, PunchChildComplete, PunchCostCheckpoint, PunchStepComplete,
}

// Valid reports whether p is one of PunchTypes.
func (p PunchType) Valid() bool {
	for _, t := range PunchTypes {
		if p == t {
			return true
		}
	}
	return false
}

// IsProgress reports whether the punch resets runaway counters.
func (p PunchType) IsProgress() bool {
	return p == PunchStepComplete || p == PunchGatePass
}

type Punch struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	PunchType  PunchType `json:"punch_type"`
	PunchKey   string    `json:"punch_key"`
	ObservedAt string    `json:"observed_at" format:"date-time"`
	SourceHash string    `json:"source_hash"`
}

// Requirement is one punch card rule. Required=false marks a forbidden rule.
type Requirement struct {
	CardID          string    `json:"card_id"`
	PunchType       PunchType `json:"punch_type"`
	PunchKeyPattern string    `json:"punch_key_pattern"`
	Required        bool      `json:"required"`
	Description     string    `json:"description,omitempty"`
}

// Ref renders the requirement as "type:pattern".
func (r Requirement) Ref() string {
	return string(r.PunchType) + ":" + r.PunchKeyPattern
}

const (
	CheckpointPass        = "pass"
	CheckpointPassPending = "pass_pending"
	CheckpointFail        = "fail"
)

type Checkpoint struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	CardID      string       `json:"card_id"`
	Status      string       `json:"status" enum:"pass,pass_pending,fail"`
	ValidatedAt string       `json:"validated_at" format:"date-time"`
	CommitHash  *string      `json:"commit_hash,omitempty"`
	Missing     []MissingRef `json:"missing_punches"`
}

// MissingRef names one unmet requirement.
type MissingRef struct {
	Ref         string `json:"ref"`
	Marker      string `json:"marker,omitempty" enum:"missing,forbidden-violated,child-invalid,no-requirements"`
	Count       int    `json:"count,omitempty"`
	Description string `json:"description,omitempty"`
}

const (
	MarkerMissing        = "missing"
	MarkerForbidden      = "forbidden-violated"
	MarkerChildInvalid   = "child-invalid"
	MarkerNoRequirements = "no-requirements"
)

type ChildRelationship struct {
	ParentTaskID        string  `json:"parent_task_id"`
	ChildTaskID         string  `json:"child_task_id"`
	SpawnedAt           string  `json:"spawned_at" format:"date-time"`
	CompletedAt         *string `json:"completed_at,omitempty" format:"date-time"`
	ChildCardValid      *bool   `json:"child_card_valid,omitempty"`
	ChildCheckpointHash *string `json:"child_checkpoint_hash,omitempty"`
}

type Kill struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	RootTaskID string `json:"root_task_id"`
	Reason     string `json:"reason"`
	KilledAt   string `json:"killed_at" format:"date-time"`
}

type Commit struct {
	Seq          int64  `json:"seq"`
	CheckpointID string `json:"checkpoint_id"`
	TaskID       string `json:"task_id"`
	CardID       string `json:"card_id"`
	Message      string `json:"message"`
	PrevHash     string `json:"prev_hash"`
	Hash         string `json:"hash"`
	CommittedAt  string `json:"committed_at" format:"date-time"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name"`
	KeyHash     string   `json:"key_hash"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at"`
}

type DiagnosisCategory string

const (
	StuckOnApproval   DiagnosisCategory = "stuck_on_approval"
	InfiniteRetry     DiagnosisCategory = "infinite_retry"
	ScopeCreep        DiagnosisCategory = "scope_creep"
	ContextExhaustion DiagnosisCategory = "context_exhaustion"
	ModelConfusion    DiagnosisCategory = "model_confusion"
	Unknown           DiagnosisCategory = "unknown"
)

// Valid reports whether c belongs to the fixed taxonomy (unknown included).
func (c DiagnosisCategory) Valid() bool {
	switch c {
	case StuckOnApproval, InfiniteRetry, ScopeCreep, ContextExhaustion, ModelConfusion, Unknown:
		return true
	}
	return false
}

type Diagnosis struct {
	TaskID     string            `json:"task_id"`
	Category   DiagnosisCategory `json:"category"`
	Confidence float64           `json:"confidence"`
	Rule       string            `json:"rule"`
	Summary    string            `json:"summary"`
	Evidence   Evidence          `json:"evidence"`
}

// Evidence holds the counters a rule looked at and the punches backing them.
type Evidence struct {
	Counters map[string]float64 `json:"counters"`
	PunchIDs []int64            `json:"punch_ids,omitempty"`
	Tools    []ToolActivity     `json:"tools,omitempty"`
}

type ToolActivity struct {
	Tool       string `json:"tool"`
	Count      int    `json:"count"`
	ErrorCount int    `json:"error_count"`
}

type RemediationSpec struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id"`
	Category     DiagnosisCategory `json:"category"`
	Objective    string            `json:"objective"`
	Constraints  []string          `json:"constraints"`
	Evidence     []string          `json:"evidence"`
	Prompt       string            `json:"prompt"`
	MaxToolCalls int               `json:"max_tool_calls"`
	MaxCost      float64           `json:"max_cost"`
	Escalate     bool              `json:"escalate"`
}
