package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"punchd/internal/config"
)

const seedCardsTOML = `[[card]]
id = "python-task"
  [[card.require]]
  type = "gate_pass"
  key = "pytest"
  [[card.forbid]]
  type = "child_spawn"
  key = "%"
`

func TestOpenSeedsCardsOnce(t *testing.T) {
	ws := t.TempDir()
	seed := filepath.Join(ws, "cards.toml")
	if err := os.WriteFile(seed, []byte(seedCardsTOML), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	cfg := "cards:\n  seed: " + seed + "\n"
	if err := os.WriteFile(config.Path(ws), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ctx := context.Background()

	rt, err := Open(ctx, ws, Overrides{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ids, err := rt.Repo().ListCardIDs(ctx)
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	if len(ids) != 1 || ids[0] != "python-task" {
		t.Fatalf("expected seeded card, got %v", ids)
	}
	rules, err := rt.Repo().ListRequirements(ctx, "python-task")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// a second open must not overwrite cards edited after seeding
	if err := os.WriteFile(seed, []byte("[[card]]\nid = \"other\"\n  [[card.require]]\n  type = \"tool_call\"\n  key = \"x\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite seed: %v", err)
	}
	rt, err = Open(ctx, ws, Overrides{}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close()
	ids, err = rt.Repo().ListCardIDs(ctx)
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	if len(ids) != 1 || ids[0] != "python-task" {
		t.Fatalf("expected seed to run once, got %v", ids)
	}
}

func TestOpenRejectsBadDriver(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), Overrides{Driver: "mysql"}, nil)
	if err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
