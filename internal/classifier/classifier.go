// Package classifier maps raw execution events onto typed punches.
package classifier

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"punchd/internal/domain"
)

var (
	// ErrMalformed marks events that fail envelope or payload validation.
	ErrMalformed = errors.New("malformed event")
	// ErrUnknownEventType marks events outside the classification table.
	ErrUnknownEventType = errors.New("unknown event type")
)

const (
	commandKeyLimit = 200
	commandKeyKeep  = 197
	newTaskTool     = "newTask"
)

// Event is one inbound execution event.
type Event struct {
	TaskID    string          `json:"task_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Start carries task attributes announced by task_started.
type Start struct {
	ParentID string
	Mode     string
	Model    string
	CardID   string
}

// Finish carries the runtime's own terminal report.
type Finish struct {
	Status string
	Cost   *float64
}

// Usage is the spend reported by one API request.
type Usage struct {
	Cost      float64
	TokensIn  int64
	TokensOut int64
}

// Result is the outcome of classifying one event. Punch is nil when the
// event carries no proof of action.
type Result struct {
	Punch       *domain.Punch
	ChildTaskID string
	Usage       *Usage
	Start       *Start
	Finish      *Finish
}

// Classifier holds the compiled payload schemas. It is safe for concurrent use.
type Classifier struct {
	schemas map[string]*jsonschema.Schema
}

func New() (*Classifier, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Classifier{schemas: schemas}, nil
}

// Classify validates evt and maps it through the classification table.
func (c *Classifier) Classify(evt Event) (Result, error) {
	if strings.TrimSpace(evt.TaskID) == "" {
		return Result{}, fmt.Errorf("%w: task_id required", ErrMalformed)
	}
	if evt.EmittedAt.IsZero() {
		return Result{}, fmt.Errorf("%w: emitted_at required", ErrMalformed)
	}
	schema, ok := c.schemas[evt.EventType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.EventType)
	}
	payload := evt.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Result{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return Result{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, evt.EventType, err)
	}
	hash, err := SourceHash(evt)
	if err != nil {
		return Result{}, err
	}
	m := mapper{evt: evt, hash: hash}
	return m.mapEvent(evt.EventType, payload)
}

type mapper struct {
	evt  Event
	hash string
}

func (m mapper) punch(pt domain.PunchType, key string) *domain.Punch {
	return &domain.Punch{
		TaskID:     m.evt.TaskID,
		PunchType:  pt,
		PunchKey:   key,
		ObservedAt: domain.FormatTime(m.evt.EmittedAt),
		SourceHash: m.hash,
	}
}

func (m mapper) mapEvent(eventType string, payload json.RawMessage) (Result, error) {
	switch eventType {
	case EventTool:
		var p struct {
			Tool        string `json:"tool"`
			Mode        string `json:"mode"`
			ChildTaskID string `json:"child_task_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m.tool(p.Tool, p.Mode, p.ChildTaskID)
	case EventCommand:
		var p struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Result{Punch: m.punch(domain.PunchCommandExec, CommandKey(p.Command))}, nil
	case EventMCP:
		var p struct {
			Server string `json:"server"`
			Tool   string `json:"tool"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Result{Punch: m.punch(domain.PunchMCPCall, p.Server+":"+p.Tool)}, nil
	case EventCompletion:
		return Result{Punch: m.punch(domain.PunchStepComplete, "task_exit")}, nil
	case EventSubtaskResult:
		var p struct {
			ChildTaskID string `json:"child_task_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Result{Punch: m.punch(domain.PunchChildComplete, "child_return"), ChildTaskID: p.ChildTaskID}, nil
	case EventGateRun:
		var p struct {
			GateID   string `json:"gate_id"`
			ExitCode int    `json:"exit_code"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		pt := domain.PunchGateFail
		if p.ExitCode == 0 {
			pt = domain.PunchGatePass
		}
		return Result{Punch: m.punch(pt, p.GateID)}, nil
	case EventAPIRequest:
		var p struct {
			Cost      float64 `json:"cost"`
			TokensIn  int64   `json:"tokens_in"`
			TokensOut int64   `json:"tokens_out"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Result{
			Punch: m.punch(domain.PunchCostCheckpoint, "api_request"),
			Usage: &Usage{Cost: p.Cost, TokensIn: p.TokensIn, TokensOut: p.TokensOut},
		}, nil
	case EventStep:
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Result{Punch: m.punch(domain.PunchStepComplete, p.Name)}, nil
	case EventTaskStarted:
		var p struct {
			ParentID string `json:"parent_id"`
			Mode     string `json:"mode"`
			Model    string `json:"model"`
			CardID   string `json:"card_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if p.ParentID == m.evt.TaskID {
			return Result{}, fmt.Errorf("%w: task %s names itself as parent", ErrMalformed, p.ParentID)
		}
		return Result{Start: &Start{ParentID: p.ParentID, Mode: p.Mode, Model: p.Model, CardID: p.CardID}}, nil
	case EventTaskFinished:
		var p struct {
			Status string   `json:"status"`
			Cost   *float64 `json:"cost"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Result{Finish: &Finish{Status: p.Status, Cost: p.Cost}}, nil
	case EventUIMessage:
		return m.uiMessage(payload)
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
}

func (m mapper) tool(tool, mode, childID string) (Result, error) {
	if tool == newTaskTool {
		if mode == "" {
			return Result{}, fmt.Errorf("%w: newTask without mode", ErrMalformed)
		}
		if childID == m.evt.TaskID {
			return Result{}, fmt.Errorf("%w: task %s spawns itself", ErrMalformed, childID)
		}
		return Result{Punch: m.punch(domain.PunchChildSpawn, mode), ChildTaskID: childID}, nil
	}
	return Result{Punch: m.punch(domain.PunchToolCall, tool)}, nil
}

// uiMessage maps a raw agent UI message, whose tool and MCP details travel
// as JSON text inside the message.
func (m mapper) uiMessage(payload json.RawMessage) (Result, error) {
	var msg struct {
		Type        string `json:"type"`
		Ask         string `json:"ask"`
		Say         string `json:"say"`
		Text        string `json:"text"`
		ChildTaskID string `json:"child_task_id"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case msg.Ask == "tool":
		var data struct {
			Tool string `json:"tool"`
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal([]byte(msg.Text), &data); err != nil || data.Tool == "" {
			return Result{}, fmt.Errorf("%w: tool message without tool", ErrMalformed)
		}
		return m.tool(data.Tool, data.Mode, msg.ChildTaskID)
	case msg.Ask == "command":
		return Result{Punch: m.punch(domain.PunchCommandExec, CommandKey(msg.Text))}, nil
	case msg.Ask == "use_mcp_server":
		var data struct {
			ServerName string `json:"serverName"`
			ToolName   string `json:"toolName"`
		}
		if err := json.Unmarshal([]byte(msg.Text), &data); err != nil || data.ServerName == "" || data.ToolName == "" {
			return Result{}, fmt.Errorf("%w: mcp message without server or tool", ErrMalformed)
		}
		return Result{Punch: m.punch(domain.PunchMCPCall, data.ServerName+":"+data.ToolName)}, nil
	case msg.Say == "completion_result":
		return Result{Punch: m.punch(domain.PunchStepComplete, "task_exit")}, nil
	case msg.Say == "subtask_result":
		return Result{Punch: m.punch(domain.PunchChildComplete, "child_return"), ChildTaskID: msg.ChildTaskID}, nil
	}
	// chatter such as reasoning or plain text carries no proof of action
	return Result{}, nil
}

// CommandKey truncates long command lines the way punch keys are stored.
func CommandKey(text string) string {
	runes := []rune(text)
	if len(runes) > commandKeyLimit {
		return string(runes[:commandKeyKeep]) + "..."
	}
	return text
}

// SourceHash is the dedupe key of an event: sha256 over task id, event type,
// the RFC 8785 canonical payload and the emission time.
func SourceHash(evt Event) (string, error) {
	payload := evt.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalize payload: %v", ErrMalformed, err)
	}
	h := sha256.New()
	h.Write([]byte(evt.TaskID))
	h.Write([]byte{0x1f})
	h.Write([]byte(evt.EventType))
	h.Write([]byte{0x1f})
	h.Write(canonical)
	h.Write([]byte{0x1f})
	h.Write([]byte(evt.EmittedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
