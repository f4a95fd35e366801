package config

import (
	"strings"
	"testing"
	"time"

	"punchd/internal/domain"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Governor.ScanInterval != 10*time.Second {
		t.Fatalf("scan interval = %v", cfg.Governor.ScanInterval)
	}
	if cfg.Verify.MaxDepth != 10 {
		t.Fatalf("verify depth = %d", cfg.Verify.MaxDepth)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("governor:\n  max_cost: 2.5\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Governor.MaxCost != 2.5 {
		t.Fatalf("max cost = %v", cfg.Governor.MaxCost)
	}
	if cfg.Governor.MaxRepeats != 8 {
		t.Fatalf("expected default max_repeats, got %d", cfg.Governor.MaxRepeats)
	}
}

func TestValidateRejectsDoltOnSQLite(t *testing.T) {
	_, err := FromYAML([]byte("commit:\n  driver: dolt\n"))
	if err == nil || !strings.Contains(err.Error(), "dolt") {
		t.Fatalf("expected dolt/sqlite error, got %v", err)
	}
}

func TestValidateSuspectRatio(t *testing.T) {
	if _, err := FromYAML([]byte("governor:\n  suspect_ratio: 1.5\n")); err == nil {
		t.Fatalf("expected suspect_ratio error")
	}
}

func TestCardsFromTOML(t *testing.T) {
	data := `
[[card]]
id = "python"
  [[card.require]]
  type = "gate_pass"
  key = "pytest"
  description = "tests green"
  [[card.require]]
  type = "gate_pass"
  key = "ruff-%"
  [[card.forbid]]
  type = "child_spawn"
  key = "%"
`
	cards, err := CardsFromTOML([]byte(data))
	if err != nil {
		t.Fatalf("parse cards: %v", err)
	}
	reqs := cards["python"]
	if len(reqs) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(reqs))
	}
	if !reqs[0].Required || reqs[0].Description != "tests green" {
		t.Fatalf("unexpected first rule %+v", reqs[0])
	}
	if reqs[2].Required || reqs[2].PunchType != domain.PunchChildSpawn {
		t.Fatalf("expected forbidden child_spawn rule, got %+v", reqs[2])
	}
}

func TestCardsFromTOMLRejectsUnknownType(t *testing.T) {
	data := "[[card]]\nid = \"x\"\n  [[card.require]]\n  type = \"nope\"\n  key = \"a\"\n"
	if _, err := CardsFromTOML([]byte(data)); err == nil {
		t.Fatalf("expected unknown punch type error")
	}
}

func TestCardsFromTOMLRejectsDuplicateRule(t *testing.T) {
	data := "[[card]]\nid = \"x\"\n  [[card.require]]\n  type = \"gate_pass\"\n  key = \"a\"\n  [[card.forbid]]\n  type = \"gate_pass\"\n  key = \"a\"\n"
	if _, err := CardsFromTOML([]byte(data)); err == nil {
		t.Fatalf("expected duplicate rule error")
	}
}
