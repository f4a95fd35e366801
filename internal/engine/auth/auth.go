// Package auth holds the permission catalog granted to API keys and tokens.
package auth

import (
	"fmt"
	"sort"
	"strings"
)

const (
	PermEventsWrite      = "events.write"
	PermTasksRead        = "tasks.read"
	PermCheckpointsWrite = "checkpoints.write"
	PermGovernorKill     = "governor.kill"
	PermDiagnosisRun     = "diagnosis.run"
	PermCardsWrite       = "cards.write"
	PermAll              = "*"
)

var catalog = map[string]string{
	PermEventsWrite:      "submit execution events",
	PermTasksRead:        "read tasks, punches, checkpoints and costs",
	PermCheckpointsWrite: "validate, verify and checkpoint tasks",
	PermGovernorKill:     "kill tasks and read governor state",
	PermDiagnosisRun:     "diagnose tasks and dispatch remediations",
	PermCardsWrite:       "replace punch card definitions",
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Known lists the catalog in name order.
func Known() []string {
	out := make([]string, 0, len(catalog))
	for p := range catalog {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func Describe(perm string) string {
	return catalog[perm]
}

// Normalize validates requested permissions, dropping duplicates. An empty
// request grants only event submission, which is what ingest clients need.
func Normalize(perms []string) ([]string, error) {
	if len(perms) == 0 {
		return []string{PermEventsWrite}, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		if _, ok := catalog[p]; !ok && p != PermAll && !strings.HasSuffix(p, ".*") {
			return nil, fmt.Errorf("unknown permission %q", p)
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Allows reports whether granted covers perm. "*" covers everything and
// "governor.*" covers every governor permission.
func Allows(granted []string, perm string) bool {
	for _, g := range granted {
		if g == PermAll || g == perm {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, ".*"); ok && strings.HasPrefix(perm, prefix+".") {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless granted covers perm.
func Require(granted []string, perm string) error {
	if Allows(granted, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
