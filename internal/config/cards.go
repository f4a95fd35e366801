package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"punchd/internal/domain"
)

// CardFile is the TOML seed format for punch card definitions:
//
//	[[card]]
//	id = "python-task"
//	  [[card.require]]
//	  type = "gate_pass"
//	  key = "pytest"
//	  [[card.forbid]]
//	  type = "child_spawn"
//	  key = "%"
type CardFile struct {
	Cards []CardSeed `toml:"card"`
}

type CardSeed struct {
	ID      string     `toml:"id"`
	Require []RuleSeed `toml:"require"`
	Forbid  []RuleSeed `toml:"forbid"`
}

type RuleSeed struct {
	Type        string `toml:"type"`
	Key         string `toml:"key"`
	Description string `toml:"description"`
}

// LoadCards parses a TOML card file from disk.
func LoadCards(path string) (map[string][]domain.Requirement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return CardsFromTOML(data)
}

// CardsFromTOML parses card seeds into requirement rows grouped by card id.
func CardsFromTOML(data []byte) (map[string][]domain.Requirement, error) {
	var file CardFile
	md, err := toml.Decode(string(data), &file)
	if err != nil {
		return nil, fmt.Errorf("invalid cards toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("cards toml: unknown key %s", undecoded[0].String())
	}
	out := make(map[string][]domain.Requirement, len(file.Cards))
	for _, card := range file.Cards {
		if card.ID == "" {
			return nil, fmt.Errorf("cards toml: card with empty id")
		}
		if _, dup := out[card.ID]; dup {
			return nil, fmt.Errorf("cards toml: card %s defined twice", card.ID)
		}
		reqs := make([]domain.Requirement, 0, len(card.Require)+len(card.Forbid))
		seen := map[string]bool{}
		add := func(rule RuleSeed, required bool) error {
			pt := domain.PunchType(rule.Type)
			if !pt.Valid() {
				return fmt.Errorf("card %s: unknown punch type %q", card.ID, rule.Type)
			}
			if rule.Key == "" {
				return fmt.Errorf("card %s: rule %s has empty key pattern", card.ID, rule.Type)
			}
			r := domain.Requirement{
				CardID:          card.ID,
				PunchType:       pt,
				PunchKeyPattern: rule.Key,
				Required:        required,
				Description:     rule.Description,
			}
			if seen[r.Ref()] {
				return fmt.Errorf("card %s: duplicate rule %s", card.ID, r.Ref())
			}
			seen[r.Ref()] = true
			reqs = append(reqs, r)
			return nil
		}
		for _, rule := range card.Require {
			if err := add(rule, true); err != nil {
				return nil, err
			}
		}
		for _, rule := range card.Forbid {
			if err := add(rule, false); err != nil {
				return nil, err
			}
		}
		out[card.ID] = reqs
	}
	return out, nil
}
