package diagnosis

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"punchd/internal/config"
	"punchd/internal/domain"
)

// UnknownConfidence is the confidence attached to the fallback category.
const UnknownConfidence = 0.2

const (
	minStuckToolCalls    = 10
	minRetryCommands     = 12
	maxRetryCommandSpan  = 15 * time.Minute
	minExhaustionReads   = 20
	minExhaustionSpan    = 20 * time.Minute
	minCreepTools        = 8
	minCreepPunches      = 120
	minConfusionSwitches = 3
	minConfusionEdits    = 8
)

type Thresholds struct {
	ApprovalIdle    time.Duration
	RepeatThreshold int
	CostCeiling     float64
	BudgetRatio     float64
	MaxChildSpawns  int
}

// Rule is one predicate in the ordered chain. Match returns a summary and the
// profile signal whose punches back the verdict.
type Rule struct {
	Name       string
	Category   domain.DiagnosisCategory
	Confidence float64
	Match      func(p Profile, t Thresholds) (summary, signal string, ok bool)
}

// BuiltinRules is the fixed rule chain, evaluated in order.
var BuiltinRules = []Rule{
	{
		Name: "tool_calls_without_step", Category: domain.StuckOnApproval, Confidence: 0.8,
		Match: func(p Profile, _ Thresholds) (string, string, bool) {
			return fmt.Sprintf("%d tool calls and no completed step", p.ToolCalls), idsToolCall,
				p.ToolCalls >= minStuckToolCalls && p.StepCompletes == 0
		},
	},
	{
		Name: "idle_after_action", Category: domain.StuckOnApproval, Confidence: 0.8,
		Match: func(p Profile, t Thresholds) (string, string, bool) {
			return fmt.Sprintf("idle for %s after a tool call or command", p.IdleGap.Round(time.Second)), idsIdle,
				t.ApprovalIdle > 0 && p.IdleGap >= t.ApprovalIdle
		},
	},
	{
		Name: "repeated_tool_call", Category: domain.InfiniteRetry, Confidence: 0.85,
		Match: func(p Profile, t Thresholds) (string, string, bool) {
			return fmt.Sprintf("%s called %d times without progress", p.RepeatKey, p.LongestRepeat), idsRepeat,
				t.RepeatThreshold > 0 && p.LongestRepeat >= t.RepeatThreshold
		},
	},
	{
		Name: "command_burst", Category: domain.InfiniteRetry, Confidence: 0.85,
		Match: func(p Profile, _ Thresholds) (string, string, bool) {
			return fmt.Sprintf("%d commands within %s", p.CommandExecs, p.CommandSpan.Round(time.Second)), idsCommand,
				p.CommandExecs >= minRetryCommands && p.CommandSpan <= maxRetryCommandSpan
		},
	},
	{
		Name: "budget_ceiling", Category: domain.ContextExhaustion, Confidence: 0.75,
		Match: func(p Profile, t Thresholds) (string, string, bool) {
			return fmt.Sprintf("cost %.4f reached %.0f%% of ceiling %.2f", p.Cost, t.BudgetRatio*100, t.CostCeiling), idsCost,
				t.CostCeiling > 0 && p.Cost >= t.BudgetRatio*t.CostCeiling
		},
	},
	{
		Name: "read_heavy", Category: domain.ContextExhaustion, Confidence: 0.75,
		Match: func(p Profile, _ Thresholds) (string, string, bool) {
			return fmt.Sprintf("%d reads against %d edits over %s", p.Reads, p.Edits, p.Span.Round(time.Second)), idsRead,
				p.Reads >= max(minExhaustionReads, 4*p.Edits) && p.Span >= minExhaustionSpan
		},
	},
	{
		Name: "tool_sprawl", Category: domain.ScopeCreep, Confidence: 0.7,
		Match: func(p Profile, _ Thresholds) (string, string, bool) {
			return fmt.Sprintf("%d distinct tools across %d punches", p.DistinctTools, p.Punches), idsToolCall,
				p.DistinctTools >= minCreepTools && p.Punches >= minCreepPunches
		},
	},
	{
		Name: "child_sprawl", Category: domain.ScopeCreep, Confidence: 0.7,
		Match: func(p Profile, t Thresholds) (string, string, bool) {
			return fmt.Sprintf("%d child tasks spawned", p.ChildSpawns), idsSpawn,
				t.MaxChildSpawns > 0 && p.ChildSpawns >= t.MaxChildSpawns
		},
	},
	{
		Name: "mode_thrash", Category: domain.ModelConfusion, Confidence: 0.65,
		Match: func(p Profile, _ Thresholds) (string, string, bool) {
			return fmt.Sprintf("%d mode switches without progress", p.ModeSwitchesSinceProgress), idsSwitch,
				p.ModeSwitchesSinceProgress >= minConfusionSwitches
		},
	},
	{
		Name: "edit_churn", Category: domain.ModelConfusion, Confidence: 0.65,
		Match: func(p Profile, _ Thresholds) (string, string, bool) {
			return fmt.Sprintf("%d edits interleaved with %d reads", p.Edits, p.Reads), idsEdit,
				p.Edits >= minConfusionEdits && p.Reads >= p.Edits
		},
	},
}

type celRule struct {
	name       string
	category   domain.DiagnosisCategory
	confidence float64
	expr       string
	prg        cel.Program
}

// Diagnoser runs the built-in chain, then operator CEL rules, then the
// unknown fallback. It holds no mutable state.
type Diagnoser struct {
	Thresholds Thresholds
	Sets       ToolSets
	Rules      []Rule
	cel        []celRule
	log        *slog.Logger
}

func New(cfg config.DiagnosisConfig) (*Diagnoser, error) {
	d := &Diagnoser{
		Thresholds: Thresholds{
			ApprovalIdle:    cfg.ApprovalIdle,
			RepeatThreshold: cfg.RepeatThreshold,
			CostCeiling:     cfg.CostCeiling,
			BudgetRatio:     cfg.BudgetRatio,
			MaxChildSpawns:  cfg.MaxChildSpawns,
		},
		Sets:  ToolSets{Read: cfg.ReadTools, Edit: cfg.EditTools, ModeSwitch: cfg.ModeSwitchTools},
		Rules: BuiltinRules,
		log:   slog.Default().With("component", "diagnosis"),
	}
	if len(cfg.Rules) == 0 {
		return d, nil
	}
	env, err := cel.NewEnv(cel.Variable("profile", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	for _, r := range cfg.Rules {
		category := domain.DiagnosisCategory(r.Category)
		if !category.Valid() {
			return nil, fmt.Errorf("diagnosis rule %s: unknown category %q", r.Name, r.Category)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("diagnosis rule %s: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("diagnosis rule %s: %w", r.Name, err)
		}
		d.cel = append(d.cel, celRule{name: r.Name, category: category, confidence: r.Confidence, expr: r.Expr, prg: prg})
	}
	return d, nil
}

// Diagnose picks the first matching rule. It is a pure function of p.
func (d *Diagnoser) Diagnose(p Profile) domain.Diagnosis {
	out := domain.Diagnosis{
		TaskID:   p.TaskID,
		Evidence: domain.Evidence{Counters: p.Counters(), Tools: p.Tools},
	}
	for _, r := range d.Rules {
		summary, signal, ok := r.Match(p, d.Thresholds)
		if !ok {
			continue
		}
		out.Category, out.Confidence, out.Rule, out.Summary = r.Category, r.Confidence, r.Name, summary
		out.Evidence.PunchIDs = p.PunchIDs(signal)
		return out
	}
	if len(d.cel) > 0 {
		input := map[string]any{"profile": p.celInput()}
		for _, r := range d.cel {
			val, _, err := r.prg.Eval(input)
			if err != nil {
				d.logger().Warn("diagnosis rule failed", "rule", r.name, "task_id", p.TaskID, "err", err)
				continue
			}
			if matched, ok := val.Value().(bool); ok && matched {
				out.Category, out.Confidence, out.Rule = r.category, r.confidence, r.name
				out.Summary = "matched " + r.expr
				return out
			}
		}
	}
	out.Category, out.Confidence, out.Rule = domain.Unknown, UnknownConfidence, "fallback"
	out.Summary = "no rule matched; needs human review"
	return out
}

func (d *Diagnoser) logger() *slog.Logger {
	if d.log == nil {
		return slog.Default()
	}
	return d.log
}
