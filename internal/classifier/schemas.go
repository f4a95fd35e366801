package classifier

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound event types.
const (
	EventTool          = "tool"
	EventCommand       = "command"
	EventMCP           = "mcp"
	EventCompletion    = "completion"
	EventSubtaskResult = "subtask_result"
	EventGateRun       = "gate_run"
	EventAPIRequest    = "api_request"
	EventStep          = "step"
	EventTaskStarted   = "task_started"
	EventTaskFinished  = "task_finished"
	EventUIMessage     = "ui_message"
)

var payloadSchemas = map[string]string{
	EventTool: `{
  "type": "object",
  "required": ["tool"],
  "properties": {
    "tool": {"type": "string", "minLength": 1},
    "mode": {"type": "string"},
    "child_task_id": {"type": "string"}
  }
}`,
	EventCommand: `{
  "type": "object",
  "required": ["command"],
  "properties": {"command": {"type": "string"}}
}`,
	EventMCP: `{
  "type": "object",
  "required": ["server", "tool"],
  "properties": {
    "server": {"type": "string", "minLength": 1},
    "tool": {"type": "string", "minLength": 1}
  }
}`,
	EventCompletion: `{"type": "object"}`,
	EventSubtaskResult: `{
  "type": "object",
  "properties": {"child_task_id": {"type": "string"}}
}`,
	EventGateRun: `{
  "type": "object",
  "required": ["gate_id", "exit_code"],
  "properties": {
    "gate_id": {"type": "string", "minLength": 1},
    "exit_code": {"type": "integer"},
    "stop_reason": {"type": "string"}
  }
}`,
	EventAPIRequest: `{
  "type": "object",
  "required": ["cost"],
  "properties": {
    "cost": {"type": "number", "minimum": 0},
    "tokens_in": {"type": "integer", "minimum": 0},
    "tokens_out": {"type": "integer", "minimum": 0},
    "cache_reads": {"type": "integer", "minimum": 0},
    "cache_writes": {"type": "integer", "minimum": 0}
  }
}`,
	EventStep: `{
  "type": "object",
  "required": ["name"],
  "properties": {"name": {"type": "string", "minLength": 1}}
}`,
	EventTaskStarted: `{
  "type": "object",
  "properties": {
    "parent_id": {"type": "string"},
    "mode": {"type": "string"},
    "model": {"type": "string"},
    "card_id": {"type": "string"}
  }
}`,
	EventTaskFinished: `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"enum": ["completed", "failed"]},
    "cost": {"type": "number", "minimum": 0}
  }
}`,
	EventUIMessage: `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["ask", "say"]},
    "ask": {"type": "string"},
    "say": {"type": "string"},
    "text": {"type": "string"},
    "child_task_id": {"type": "string"}
  }
}`,
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for name, schema := range payloadSchemas {
		url := "mem://punchd/events/" + name + ".json"
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = compiled
	}
	return out, nil
}
