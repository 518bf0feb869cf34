package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a policy definition from a YAML or JSON file. Only the
// required top-level keys are validated; rule payload shape is checked at
// evaluation time.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		return LoadJSON(data)
	}
	return LoadYAML(data)
}

// LoadYAML parses a policy document from YAML bytes.
func LoadYAML(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy yaml: %w", err)
	}
	return p, validateTopLevel(p)
}

// LoadJSON parses a policy document from JSON bytes.
func LoadJSON(data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy json: %w", err)
	}
	return p, validateTopLevel(p)
}

func validateTopLevel(p Policy) error {
	if strings.TrimSpace(p.Name) == "" {
		return &ConfigurationError{Detail: "policy missing name"}
	}
	if p.Version <= 0 {
		return &ConfigurationError{Detail: "policy missing version"}
	}
	return nil
}
