// Package punchsdk is a small client for the punchd HTTP API, meant for agent
// runtimes that report events and for operators scripting kills.
package punchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal punchd HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event is one execution event as the runtime emits it.
type Event struct {
	TaskID    string         `json:"task_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Punch is a stored proof of action.
type Punch struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	PunchType  string `json:"punch_type"`
	PunchKey   string `json:"punch_key"`
	ObservedAt string `json:"observed_at"`
	SourceHash string `json:"source_hash"`
}

// IngestResult reports what one event did.
type IngestResult struct {
	TaskID       string `json:"task_id"`
	Result       string `json:"result"`
	Punch        *Punch `json:"punch,omitempty"`
	Transitioned bool   `json:"transitioned,omitempty"`
	ChildTaskID  string `json:"child_task_id,omitempty"`
}

// BatchResult reports every event of a batch in submission order.
type BatchResult struct {
	Items []struct {
		Index    int           `json:"index"`
		Response *IngestResult `json:"response,omitempty"`
		Error    *ErrorBody    `json:"error,omitempty"`
	} `json:"items"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// MissingRef names one unmet requirement.
type MissingRef struct {
	Ref         string `json:"ref"`
	Marker      string `json:"marker,omitempty"`
	Count       int    `json:"count,omitempty"`
	Description string `json:"description,omitempty"`
}

// Validation is the verdict of one task against one card.
type Validation struct {
	TaskID    string       `json:"task_id"`
	CardID    string       `json:"card_id"`
	Status    string       `json:"status"`
	Missing   []MissingRef `json:"missing"`
	EmptyCard bool         `json:"empty_card,omitempty"`
}

// Checkpoint is a stored validation verdict.
type Checkpoint struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	CardID      string       `json:"card_id"`
	Status      string       `json:"status"`
	ValidatedAt string       `json:"validated_at"`
	CommitHash  *string      `json:"commit_hash,omitempty"`
	Missing     []MissingRef `json:"missing_punches"`
}

// TreeReport is the result of verifying a task subtree.
type TreeReport struct {
	RootTaskID string `json:"root_task_id"`
	CardID     string `json:"card_id"`
	Status     string `json:"status"`
	Failures   []struct {
		TaskID  string       `json:"task_id"`
		CardID  string       `json:"card_id"`
		Depth   int          `json:"depth"`
		Missing []MissingRef `json:"missing"`
	} `json:"failures"`
	Checked int    `json:"checked"`
	Reason  string `json:"reason,omitempty"`
}

// Cost is the summed cost of a task subtree.
type Cost struct {
	RootTaskID string  `json:"root_task_id"`
	Total      float64 `json:"total"`
	TaskCount  int     `json:"task_count"`
	Depth      int     `json:"depth"`
}

// KillResult reports a kill and its cascade.
type KillResult struct {
	RootTaskID  string       `json:"root_task_id"`
	Reason      string       `json:"reason"`
	Killed      []string     `json:"killed"`
	Diagnosis   *Diagnosis   `json:"diagnosis,omitempty"`
	Remediation *Remediation `json:"remediation,omitempty"`
}

// Diagnosis explains why a task stalled.
type Diagnosis struct {
	TaskID     string  `json:"task_id"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rule       string  `json:"rule"`
	Summary    string  `json:"summary"`
	Evidence   struct {
		Counters map[string]float64 `json:"counters"`
		PunchIDs []int64            `json:"punch_ids,omitempty"`
	} `json:"evidence"`
}

// Remediation is the bounded retry prompt produced for a diagnosis.
type Remediation struct {
	ID           string   `json:"id"`
	TaskID       string   `json:"task_id"`
	Category     string   `json:"category"`
	Objective    string   `json:"objective"`
	Constraints  []string `json:"constraints"`
	Evidence     []string `json:"evidence"`
	Prompt       string   `json:"prompt"`
	MaxToolCalls int      `json:"max_tool_calls"`
	MaxCost      float64  `json:"max_cost"`
	Escalate     bool     `json:"escalate"`
}

// TaskState is a governance verdict.
type TaskState struct {
	TaskID      string  `json:"task_id"`
	State       string  `json:"state"`
	Score       float64 `json:"score"`
	Reason      string  `json:"reason,omitempty"`
	ToolCalls   int     `json:"tool_calls_since_progress"`
	Cost        float64 `json:"cost"`
	Repeats     int     `json:"repeats"`
	EvaluatedAt string  `json:"evaluated_at"`
}

// ErrorBody is the API error envelope content.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Err        ErrorBody
}

func (e *APIError) Error() string {
	if e.Err.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Err.Code, e.Err.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Err.Code == code
}

// Send submits one event.
func (c *Client) Send(ctx context.Context, evt Event) (IngestResult, error) {
	if evt.EmittedAt.IsZero() {
		evt.EmittedAt = time.Now().UTC()
	}
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "v0/events", evt, &resp)
	return resp, err
}

// SendBatch submits events in order.
func (c *Client) SendBatch(ctx context.Context, events []Event) (BatchResult, error) {
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "v0/events/batch", map[string]any{"events": events}, &resp)
	return resp, err
}

// Punches lists a task's punches in emitted order.
func (c *Client) Punches(ctx context.Context, taskID, punchType string) ([]Punch, error) {
	endpoint := c.taskPath(taskID, "punches")
	if punchType != "" {
		endpoint += "?type=" + url.QueryEscape(punchType)
	}
	var resp []Punch
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Validate checks a task against a card without storing anything.
func (c *Client) Validate(ctx context.Context, taskID, cardID string) (Validation, error) {
	var resp Validation
	endpoint := c.taskPath(taskID, "validate") + "?card_id=" + url.QueryEscape(cardID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyTree validates a task and its descendants.
func (c *Client) VerifyTree(ctx context.Context, taskID, cardID string, childCards map[string]string) (TreeReport, error) {
	body := map[string]any{"card_id": cardID}
	if len(childCards) > 0 {
		body["child_cards"] = childCards
	}
	var resp TreeReport
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "verify-tree"), body, &resp)
	return resp, err
}

// Checkpoint validates and, on pass, commits a task.
func (c *Client) Checkpoint(ctx context.Context, taskID, cardID string) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "checkpoints"), map[string]any{"card_id": cardID}, &resp)
	return resp, err
}

// Cost returns the subtree cost rollup.
func (c *Client) Cost(ctx context.Context, taskID string) (Cost, error) {
	var resp Cost
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "cost"), nil, &resp)
	return resp, err
}

// Kill abandons a task and its live descendants.
func (c *Client) Kill(ctx context.Context, taskID, reason string) (KillResult, error) {
	var resp KillResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "kill"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Diagnose classifies why a task stalled.
func (c *Client) Diagnose(ctx context.Context, taskID string) (Diagnosis, error) {
	var resp Diagnosis
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "diagnose"), nil, &resp)
	return resp, err
}

// Remediate diagnoses a task and returns its stored remediation.
func (c *Client) Remediate(ctx context.Context, taskID string) (Remediation, error) {
	var resp Remediation
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "remediate"), nil, &resp)
	return resp, err
}

// GovernorStates lists the latest verdicts, riskiest first.
func (c *Client) GovernorStates(ctx context.Context) ([]TaskState, error) {
	var resp []TaskState
	err := c.do(ctx, http.MethodGet, "v0/governor/states", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error ErrorBody `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Err = env.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskPath(taskID, p string) string {
	return fmt.Sprintf("v0/tasks/%s/%s", url.PathEscape(taskID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
