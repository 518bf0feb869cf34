package policy

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePolicyYAML = `
version: 1
name: baseline
pre_input:
  - rule: block-injection
    if:
      regex: ["ignore previous", "system prompt"]
    then:
      action: block
      reason: prompt injection
post_output:
  - rule: redact-secrets
    if:
      regex: ["api[_-]?key"]
    then:
      action: transform
      transform: "[redacted]"
tool_call:
  - rule: block-shell
    if:
      tool_name_in: ["shell", "exec"]
    then:
      action: block
      reason: shell disabled
`

func TestLoadYAML(t *testing.T) {
	p, err := LoadYAML([]byte(samplePolicyYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if p.Name != "baseline" || p.Version != 1 {
		t.Fatalf("unexpected policy header: %+v", p)
	}
	if len(p.PreInput) != 1 || len(p.PostOutput) != 1 || len(p.ToolCall) != 1 {
		t.Fatalf("unexpected rule counts: %+v", p)
	}
	if p.PreInput[0].Then.Action != ActionBlock {
		t.Fatalf("unexpected pre_input action: %+v", p.PreInput[0])
	}
	if got := p.ToolCall[0].If.ToolNameIn; len(got) != 2 || got[0] != "shell" {
		t.Fatalf("unexpected tool_name_in: %v", got)
	}
}

func TestLoadJSON(t *testing.T) {
	data := []byte(`{"version": 2, "name": "json-policy", "pre_input": [{"rule": "r1", "if": {"regex": ["x"]}, "then": {"action": "allow"}}]}`)
	p, err := LoadJSON(data)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if p.Name != "json-policy" || p.Version != 2 {
		t.Fatalf("unexpected policy header: %+v", p)
	}
}

func TestLoadMissingNameOrVersion(t *testing.T) {
	if _, err := LoadYAML([]byte("version: 1")); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, err := LoadYAML([]byte("name: unversioned")); err == nil {
		t.Fatal("expected error for missing version")
	}
}

func TestLoadFileByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(yamlPath, []byte(samplePolicyYAML), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	p, err := LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml file: %v", err)
	}
	if p.Name != "baseline" {
		t.Fatalf("unexpected name: %q", p.Name)
	}

	jsonPath := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(jsonPath, []byte(`{"version": 1, "name": "json-file"}`), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	p, err = LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json file: %v", err)
	}
	if p.Name != "json-file" {
		t.Fatalf("unexpected name: %q", p.Name)
	}
}

func TestLoadedPolicyMissingActionSurfacesAtEvaluation(t *testing.T) {
	// Payload shape is not validated at load time.
	p, err := LoadYAML([]byte(`
version: 1
name: lazy-validation
pre_input:
  - rule: incomplete
    if:
      regex: ["trigger"]
    then:
      reason: no action here
`))
	if err != nil {
		t.Fatalf("load should tolerate missing action: %v", err)
	}

	engine := NewEngine(p)
	if _, err := engine.EvaluatePreInput("no trigger word"); err != nil {
		t.Fatalf("non-matching input must not surface the defect: %v", err)
	}
	if _, err := engine.EvaluatePreInput("trigger"); err == nil {
		t.Fatal("expected configuration error once the rule fires")
	}
}
