package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"redteamer/internal/judge"
)

// Criterion declares how a scenario decides success. Type regex_any maps to
// an any-match judge, regex_all to the canonical all-match judge.
type Criterion struct {
	Type     string   `json:"type" yaml:"type"`
	Patterns []string `json:"patterns" yaml:"patterns"`
}

// Scenario is the immutable description of one experiment goal. Stages read
// it but never write it.
type Scenario struct {
	ID              string         `json:"id" yaml:"id"`
	Category        string         `json:"category,omitempty" yaml:"category,omitempty"`
	Goal            string         `json:"goal,omitempty" yaml:"goal,omitempty"`
	UserPrompt      string         `json:"user_prompt" yaml:"user_prompt"`
	SuccessCriteria []Criterion    `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// JudgeConfig derives the judge configuration from the scenario's success
// criteria. Patterns accumulate in declaration order; a regex_all criterion
// forces the stricter all-match mode. Scenarios without usable criteria
// fall back to the provided patterns in any-match mode.
func (s Scenario) JudgeConfig(fallbackPatterns []string) judge.Config {
	patterns := []string{}
	mode := judge.MatchAny
	for _, criterion := range s.SuccessCriteria {
		switch strings.ToLower(strings.TrimSpace(criterion.Type)) {
		case "regex_any":
			patterns = append(patterns, criterion.Patterns...)
		case "regex_all":
			patterns = append(patterns, criterion.Patterns...)
			mode = judge.MatchAll
		}
	}
	if len(patterns) == 0 {
		patterns = append(patterns, fallbackPatterns...)
		mode = judge.MatchAny
	}
	return judge.Config{Patterns: patterns, Mode: mode}
}

// LoadScenarios expands glob patterns and reads every matching YAML file.
// A file may hold one scenario document or a list of them.
func LoadScenarios(patterns []string) ([]Scenario, error) {
	paths := map[string]struct{}{}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Clean(pattern))
		if err != nil {
			return nil, fmt.Errorf("expand scenario pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			paths[match] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(paths))
	for path := range paths {
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)

	scenarios := []Scenario{}
	for _, path := range sorted {
		loaded, err := loadScenarioFile(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, loaded...)
	}
	return scenarios, nil
}

func loadScenarioFile(path string) ([]Scenario, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var list []Scenario
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var single Scenario
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return []Scenario{single}, nil
}
