package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// RiskTable maps a category name to its risk level. Loaded once at startup
// from a static JSON resource and never mutated afterwards; inject it into
// the batch parser instead of reading a global.
type RiskTable map[string]int

// LevelFor returns the risk level for a category name. Unknown categories
// default to 0 and are never an error.
func (t RiskTable) LevelFor(name string) int {
	if level, ok := t[name]; ok {
		return level
	}
	return 0
}

// LoadRiskTable reads the risk level table from RISK_LEVELS_PATH
// (default "risk_levels.json").
func LoadRiskTable() (RiskTable, error) {
	path := os.Getenv("RISK_LEVELS_PATH")
	if path == "" {
		path = "risk_levels.json"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk levels %q: %w", path, err)
	}

	var table RiskTable
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse risk levels %q: %w", path, err)
	}
	return table, nil
}
