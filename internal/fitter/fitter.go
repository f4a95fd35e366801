// Package fitter turns a diagnosis into a bounded remediation task spec.
package fitter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"punchd/internal/domain"
)

const (
	maxListedTools    = 10
	defaultRetryCount = 3
)

var specNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("punchd/remediation"))

// Limits bound the remediation attempt.
type Limits struct {
	MaxToolCalls int
	MaxCost      float64
}

type template struct {
	objective   string
	action      string
	constraints []string
	prompt      func(d domain.Diagnosis, action, activity string) []string
}

var templates = map[domain.DiagnosisCategory]template{
	domain.StuckOnApproval: {
		objective: "Complete the work the previous attempt could not finish while waiting for approval.",
		action:    "Finish the pending changes with approvals granted up front.",
		constraints: []string{
			"Run with auto-approve for file operations",
			"Do not restart the task from scratch",
		},
		prompt: func(d domain.Diagnosis, action, activity string) []string {
			return []string{
				fmt.Sprintf("RECOVERY TASK: Complete the work that session %s could not finish.", d.TaskID),
				"",
				"Problem: " + d.Summary,
				"The previous session was stuck waiting for approval that never came.",
				"",
				"Action: " + action,
				"",
				"Previous session tool activity:",
				activity,
				"",
				"You have full auto-approve permissions for all file operations.",
				"Complete the pending changes, verify correctness, commit, and exit.",
			}
		},
	},
	domain.InfiniteRetry: {
		objective: "Fix the root cause of the error the previous attempt kept retrying.",
		action:    "Analyze the failure and apply a different fix.",
		constraints: []string{
			"Do not repeat the approach that already failed",
			"Verify the fix with the failing gate before exiting",
		},
		prompt: func(d domain.Diagnosis, action, activity string) []string {
			return []string{
				fmt.Sprintf("RECOVERY TASK: Fix the error that caused session %s to loop.", d.TaskID),
				"",
				"Problem: " + d.Summary,
				fmt.Sprintf("The previous session kept retrying %q and hitting the same error.", failingTool(d.Evidence.Tools)),
				"",
				fmt.Sprintf("Hint: Do NOT retry the same approach. The previous session already tried it %d times and failed.", RetryCount(d.Evidence.Tools)),
				"Analyze the error, understand the root cause, and apply a different fix.",
				"",
				"Previous session tool activity:",
				activity,
				"",
				"Fix the underlying issue, verify the fix works, commit, and exit.",
			}
		},
	},
	domain.ScopeCreep: {
		objective: "Complete only the core change of the original task.",
		action:    "Make the minimal change needed for the original task.",
		constraints: []string{
			"Do not refactor unrelated code",
			"Do not add features not directly required by the fix",
			"Do not expand scope beyond the original task",
		},
		prompt: func(d domain.Diagnosis, action, activity string) []string {
			return []string{
				fmt.Sprintf("RECOVERY TASK: Complete ONLY the core fix from session %s.", d.TaskID),
				"",
				"Problem: " + d.Summary,
				"The previous session expanded scope far beyond the original task.",
				"",
				"Previous session tool activity:",
				activity,
				"",
				"Action: " + action,
				"",
				"Do NOT:",
				"- Refactor unrelated code",
				"- Add features not directly required by the fix",
				"- Expand scope beyond the original task",
				"",
				"Make the minimal change needed, verify it, commit, and exit.",
			}
		},
	},
	domain.ContextExhaustion: {
		objective: "Complete the work with a focused, one file at a time approach.",
		action:    "Work on one file at a time and avoid broad reads.",
		constraints: []string{
			"Work on one file at a time",
			"Do not read files that do not need editing",
			"Commit after each logical change",
		},
		prompt: func(d domain.Diagnosis, action, activity string) []string {
			return []string{
				fmt.Sprintf("RECOVERY TASK: Complete the work from session %s using a focused approach.", d.TaskID),
				"",
				"Problem: " + d.Summary,
				"The previous session exhausted its context window re-reading the same content.",
				"",
				"Previous session tool activity:",
				activity,
				"",
				"Strategy: Work on ONE file at a time. Do not read files you don't need to edit.",
				"",
				"Plan:",
				"1. Identify which file needs the primary fix",
				"2. Make the change in that file",
				"3. If dependent files need updating, handle them one at a time",
				"4. Commit after each logical change",
				"5. Exit when the task is complete",
				"",
				"Do not search the codebase broadly. Stay focused on the task.",
			}
		},
	},
	domain.ModelConfusion: {
		objective: "Redo the task with simplified, sequential instructions.",
		action:    "Gather context, make one change, commit.",
		constraints: []string{
			"Stay in one mode",
			"Make one change at a time",
		},
		prompt: func(d domain.Diagnosis, action, activity string) []string {
			return []string{
				fmt.Sprintf("RECOVERY TASK: Fix what session %s could not.", d.TaskID),
				"",
				"Problem: " + d.Summary,
				"The previous session was confused and producing contradictory changes.",
				"",
				"Previous session tool activity:",
				activity,
				"",
				"SIMPLIFIED INSTRUCTIONS:",
				"1. Gather context on the task",
				"2. Identify what needs to change",
				"3. Make the change",
				"4. Commit and exit",
				"",
				"Suggested approach: " + action,
				"",
				"Keep it simple. One change at a time. Do not over-think.",
			}
		},
	},
	domain.Unknown: {
		objective: "Escalate to a human reviewer; no automated remediation is safe.",
		action:    "Review the punch history and decide how to proceed.",
		constraints: []string{
			"Do not start an automated retry",
		},
		prompt: func(d domain.Diagnosis, action, activity string) []string {
			return []string{
				fmt.Sprintf("HUMAN REVIEW: Session %s was stopped and no diagnosis rule matched.", d.TaskID),
				"",
				"Problem: " + d.Summary,
				"",
				"Previous session tool activity:",
				activity,
				"",
				"Action: " + action,
			}
		},
	},
}

// Dispatch builds exactly one remediation spec for d. It has no side effects;
// launching the attempt is the caller's job.
func Dispatch(d domain.Diagnosis, lim Limits) domain.RemediationSpec {
	category := d.Category
	tpl, ok := templates[category]
	if !ok {
		category = domain.Unknown
		tpl = templates[domain.Unknown]
	}
	evidence := make([]string, 0, len(d.Evidence.PunchIDs)+1)
	if d.Rule != "" {
		evidence = append(evidence, "rule:"+d.Rule)
	}
	for _, id := range d.Evidence.PunchIDs {
		evidence = append(evidence, "punch:"+strconv.FormatInt(id, 10))
	}
	spec := domain.RemediationSpec{
		TaskID:       d.TaskID,
		Category:     category,
		Objective:    tpl.objective,
		Constraints:  append([]string(nil), tpl.constraints...),
		Evidence:     evidence,
		Prompt:       strings.Join(tpl.prompt(d, tpl.action, FormatToolActivity(d.Evidence.Tools)), "\n"),
		MaxToolCalls: lim.MaxToolCalls,
		MaxCost:      lim.MaxCost,
		Escalate:     category == domain.Unknown,
	}
	if lim.MaxToolCalls > 0 {
		spec.Constraints = append(spec.Constraints, fmt.Sprintf("Stop after %d tool calls", lim.MaxToolCalls))
	}
	if lim.MaxCost > 0 {
		spec.Constraints = append(spec.Constraints, fmt.Sprintf("Stop once cost reaches %.2f", lim.MaxCost))
	}
	spec.ID = SpecID(d.TaskID, category, evidence)
	return spec
}

// SpecID is a name based uuid, so re-dispatching the same diagnosis yields the same id.
func SpecID(taskID string, category domain.DiagnosisCategory, evidence []string) string {
	name := taskID + "\x1f" + string(category) + "\x1f" + strings.Join(evidence, ",")
	return uuid.NewSHA1(specNamespace, []byte(name)).String()
}

// FormatToolActivity lists the ten busiest tools, one per line.
func FormatToolActivity(tools []domain.ToolActivity) string {
	if len(tools) == 0 {
		return "  (no tool activity recorded)"
	}
	sorted := append([]domain.ToolActivity(nil), tools...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Count > sorted[j].Count })
	if len(sorted) > maxListedTools {
		sorted = sorted[:maxListedTools]
	}
	lines := make([]string, 0, len(sorted))
	for _, t := range sorted {
		line := fmt.Sprintf("  - %s: %d calls", t.Tool, t.Count)
		if t.ErrorCount > 0 {
			line += fmt.Sprintf(" (%d errors)", t.ErrorCount)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RetryCount is the highest error count of any failing tool, or 3 when no
// tool recorded errors.
func RetryCount(tools []domain.ToolActivity) int {
	n := 0
	for _, t := range tools {
		if t.ErrorCount > n {
			n = t.ErrorCount
		}
	}
	if n == 0 {
		return defaultRetryCount
	}
	return n
}

func failingTool(tools []domain.ToolActivity) string {
	best := domain.ToolActivity{}
	for _, t := range tools {
		if t.ErrorCount > best.ErrorCount || (t.ErrorCount == best.ErrorCount && t.ErrorCount > 0 && t.Tool < best.Tool) {
			best = t
		}
	}
	if best.Tool != "" {
		return best.Tool
	}
	if len(tools) > 0 {
		return tools[0].Tool
	}
	return "unknown tool"
}
