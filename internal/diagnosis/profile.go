// Package diagnosis explains why a task was stopped from its stored punch history.
package diagnosis

import (
	"sort"
	"time"

	"punchd/internal/domain"
)

// ToolSets names the tool_call keys that count as reads, edits and mode switches.
type ToolSets struct {
	Read       []string
	Edit       []string
	ModeSwitch []string
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

// Profile is the set of counters every rule reads. It is derived from stored
// data only, so the same history always yields the same profile.
type Profile struct {
	TaskID                 string
	Mode                   string
	Punches                int
	ToolCalls              int
	ToolCallsSinceProgress int
	StepCompletes          int
	GatePasses             int
	GateFails              int
	CommandExecs           int
	CommandSpan            time.Duration
	// LongestRepeat is the highest count any single tool_call key reached
	// between two progress punches.
	LongestRepeat int
	RepeatKey     string
	// CurrentRepeat is the same count for the open stretch since the last progress punch.
	CurrentRepeat  int
	IdleGap        time.Duration
	DistinctTools  int
	ChildSpawns    int
	ModeSwitches   int
	// ModeSwitchesSinceProgress counts switches after the last progress punch.
	ModeSwitchesSinceProgress int
	Reads                     int
	Edits                     int
	Span                      time.Duration
	Cost                      float64
	Tools                     []domain.ToolActivity
	LastProgressAt            string

	ids map[string][]int64
}

const (
	idsIdle     = "idle"
	idsRepeat   = "repeat"
	idsCommand  = "command"
	idsSpawn    = "spawn"
	idsSwitch   = "switch"
	idsRead     = "read"
	idsEdit     = "edit"
	idsCost     = "cost"
	idsToolCall = "tool_call"
)

// BuildProfile folds punches (in emitted order) into a Profile. until is the
// moment the history is judged at, typically the kill time; a zero value
// means the last punch. Punches observed after until are ignored.
func BuildProfile(task domain.Task, punches []domain.Punch, until time.Time, sets ToolSets) Profile {
	p := Profile{TaskID: task.ID, Mode: task.Mode, Cost: task.Cost, ids: map[string][]int64{}}
	reads, edits, switches := toSet(sets.Read), toSet(sets.Edit), toSet(sets.ModeSwitch)

	tools := map[string]*domain.ToolActivity{}
	keyCounts := map[string]int{}
	repeatIDs := map[string][]int64{}
	var first, last, firstCmd, lastCmd time.Time
	var lastAction *domain.Punch
	var lastActionAt time.Time
	var lastTool string
	lastSpawnMode := ""

	resetProgress := func() {
		keyCounts = map[string]int{}
		repeatIDs = map[string][]int64{}
		p.ToolCallsSinceProgress = 0
		p.ModeSwitchesSinceProgress = 0
	}

	for i := range punches {
		pu := punches[i]
		at, err := domain.ParseTime(pu.ObservedAt)
		if err != nil {
			continue
		}
		if !until.IsZero() && at.After(until) {
			continue
		}
		p.Punches++
		if first.IsZero() {
			first = at
		}
		if lastAction != nil {
			if gap := at.Sub(lastActionAt); gap > p.IdleGap {
				p.IdleGap = gap
				p.ids[idsIdle] = []int64{lastAction.ID, pu.ID}
			}
			lastAction = nil
		}
		last = at

		switch pu.PunchType {
		case domain.PunchToolCall:
			p.ToolCalls++
			p.ToolCallsSinceProgress++
			p.ids[idsToolCall] = append(p.ids[idsToolCall], pu.ID)
			ta := tools[pu.PunchKey]
			if ta == nil {
				ta = &domain.ToolActivity{Tool: pu.PunchKey}
				tools[pu.PunchKey] = ta
			}
			ta.Count++
			lastTool = pu.PunchKey
			keyCounts[pu.PunchKey]++
			repeatIDs[pu.PunchKey] = append(repeatIDs[pu.PunchKey], pu.ID)
			if n := keyCounts[pu.PunchKey]; n > p.LongestRepeat || (n == p.LongestRepeat && pu.PunchKey < p.RepeatKey) {
				p.LongestRepeat = n
				p.RepeatKey = pu.PunchKey
				p.ids[idsRepeat] = append([]int64(nil), repeatIDs[pu.PunchKey]...)
			}
			if reads[pu.PunchKey] {
				p.Reads++
				p.ids[idsRead] = append(p.ids[idsRead], pu.ID)
			}
			if edits[pu.PunchKey] {
				p.Edits++
				p.ids[idsEdit] = append(p.ids[idsEdit], pu.ID)
			}
			if switches[pu.PunchKey] {
				p.ModeSwitches++
				p.ModeSwitchesSinceProgress++
				p.ids[idsSwitch] = append(p.ids[idsSwitch], pu.ID)
			}
			lastAction, lastActionAt = &punches[i], at
		case domain.PunchCommandExec:
			p.CommandExecs++
			p.ids[idsCommand] = append(p.ids[idsCommand], pu.ID)
			if firstCmd.IsZero() {
				firstCmd = at
			}
			lastCmd = at
			lastAction, lastActionAt = &punches[i], at
		case domain.PunchChildSpawn:
			p.ChildSpawns++
			p.ids[idsSpawn] = append(p.ids[idsSpawn], pu.ID)
			if lastSpawnMode != "" && pu.PunchKey != lastSpawnMode {
				p.ModeSwitches++
				p.ModeSwitchesSinceProgress++
				p.ids[idsSwitch] = append(p.ids[idsSwitch], pu.ID)
			}
			lastSpawnMode = pu.PunchKey
		case domain.PunchStepComplete:
			p.StepCompletes++
		case domain.PunchGatePass:
			p.GatePasses++
		case domain.PunchGateFail:
			p.GateFails++
			// a failed gate right after a tool call is charged to that tool
			if lastTool != "" {
				tools[lastTool].ErrorCount++
			}
		case domain.PunchCostCheckpoint:
			p.ids[idsCost] = append(p.ids[idsCost], pu.ID)
		}
		if pu.PunchType != domain.PunchToolCall {
			lastTool = ""
		}
		if pu.PunchType.IsProgress() {
			p.LastProgressAt = pu.ObservedAt
			resetProgress()
		}
	}

	if lastAction != nil && !until.IsZero() {
		if gap := until.Sub(lastActionAt); gap > p.IdleGap {
			p.IdleGap = gap
			p.ids[idsIdle] = []int64{lastAction.ID}
		}
	}
	if !first.IsZero() {
		end := last
		if until.After(end) {
			end = until
		}
		p.Span = end.Sub(first)
	}
	if !firstCmd.IsZero() {
		p.CommandSpan = lastCmd.Sub(firstCmd)
	}
	for _, n := range keyCounts {
		if n > p.CurrentRepeat {
			p.CurrentRepeat = n
		}
	}
	p.DistinctTools = len(tools)
	for _, ta := range tools {
		p.Tools = append(p.Tools, *ta)
	}
	sort.Slice(p.Tools, func(i, j int) bool {
		if p.Tools[i].Count != p.Tools[j].Count {
			return p.Tools[i].Count > p.Tools[j].Count
		}
		return p.Tools[i].Tool < p.Tools[j].Tool
	})
	return p
}

// Counters flattens the profile into the evidence counters and the CEL input.
func (p Profile) Counters() map[string]float64 {
	return map[string]float64{
		"punches":                      float64(p.Punches),
		"tool_calls":                   float64(p.ToolCalls),
		"tool_calls_since_progress":    float64(p.ToolCallsSinceProgress),
		"step_completes":               float64(p.StepCompletes),
		"gate_passes":                  float64(p.GatePasses),
		"gate_fails":                   float64(p.GateFails),
		"command_execs":                float64(p.CommandExecs),
		"command_span_seconds":         p.CommandSpan.Seconds(),
		"longest_repeat":               float64(p.LongestRepeat),
		"current_repeat":               float64(p.CurrentRepeat),
		"idle_gap_seconds":             p.IdleGap.Seconds(),
		"distinct_tools":               float64(p.DistinctTools),
		"child_spawns":                 float64(p.ChildSpawns),
		"mode_switches":                float64(p.ModeSwitches),
		"mode_switches_since_progress": float64(p.ModeSwitchesSinceProgress),
		"reads":                        float64(p.Reads),
		"edits":                        float64(p.Edits),
		"span_seconds":                 p.Span.Seconds(),
		"cost":                         p.Cost,
	}
}

// PunchIDs returns the punch ids backing one signal, in emitted order.
func (p Profile) PunchIDs(signal string) []int64 {
	return append([]int64(nil), p.ids[signal]...)
}

func (p Profile) celInput() map[string]any {
	in := map[string]any{"task_id": p.TaskID, "mode": p.Mode, "repeat_key": p.RepeatKey}
	for k, v := range p.Counters() {
		in[k] = v
	}
	tools := make([]any, 0, len(p.Tools))
	for _, t := range p.Tools {
		tools = append(tools, map[string]any{"tool": t.Tool, "count": int64(t.Count), "error_count": int64(t.ErrorCount)})
	}
	in["tools"] = tools
	return in
}
