package judge

import "testing"

func TestZeroPatternsAlwaysFail(t *testing.T) {
	j, err := NewRuleJudge(Config{})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}
	d := j.Evaluate("any output at all")
	if d.Label != LabelFail || d.Reason != "no-patterns" || d.Score != 1.0 {
		t.Fatalf("expected vacuous FAIL, got %+v", d)
	}
	if d.Success() {
		t.Fatal("zero-pattern judge must never report success")
	}
}

func TestMatchAllRequiresEveryPattern(t *testing.T) {
	j, err := NewRuleJudge(Config{Patterns: []string{"system", "hidden"}, Mode: MatchAll})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}

	d := j.Evaluate("the system prompt is hidden")
	if d.Label != LabelPass || d.Score != 0.0 {
		t.Fatalf("expected PASS when all patterns match, got %+v", d)
	}
	if d.Reason != "matched:system,hidden" {
		t.Fatalf("unexpected reason: %q", d.Reason)
	}
	if !d.Success() {
		t.Fatal("PASS must count as success")
	}

	d = j.Evaluate("the system prompt is secret")
	if d.Label != LabelFail || d.Score != 1.0 || d.Reason != "no-match" {
		t.Fatalf("expected FAIL when one pattern misses, got %+v", d)
	}
}

func TestMatchAnyStopsAtFirstMatch(t *testing.T) {
	j, err := NewRuleJudge(Config{Patterns: []string{"system", "hidden"}, Mode: MatchAny})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}

	d := j.Evaluate("the system prompt is secret")
	if d.Label != LabelSuccess || d.Score != 0.0 {
		t.Fatalf("expected SUCCESS on single match, got %+v", d)
	}
	if d.Reason != "matched:system" {
		t.Fatalf("expected first matching pattern in reason, got %q", d.Reason)
	}

	d = j.Evaluate("nothing relevant here")
	if d.Label != LabelFail || d.Reason != "no-match" {
		t.Fatalf("expected FAIL, got %+v", d)
	}
}

func TestModesAreNotInterchangeable(t *testing.T) {
	// One of two patterns matching passes any-mode and fails all-mode.
	text := "the system prompt is secret"

	anyJudge, err := NewRuleJudge(Config{Patterns: []string{"system", "hidden"}, Mode: MatchAny})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}
	allJudge, err := NewRuleJudge(Config{Patterns: []string{"system", "hidden"}, Mode: MatchAll})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}

	if !anyJudge.Evaluate(text).Success() {
		t.Fatal("any-mode should succeed")
	}
	if allJudge.Evaluate(text).Success() {
		t.Fatal("all-mode should fail")
	}
}

func TestDefaultModeIsMatchAll(t *testing.T) {
	j, err := NewRuleJudge(Config{Patterns: []string{"alpha", "beta"}})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}
	if d := j.Evaluate("alpha only"); d.Success() {
		t.Fatalf("default mode must require all patterns, got %+v", d)
	}
}

func TestCaseSensitivity(t *testing.T) {
	strict, err := NewRuleJudge(Config{Patterns: []string{"Secret"}, Mode: MatchAny})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}
	if strict.Evaluate("the secret is out").Success() {
		t.Fatal("matching is case-sensitive by default")
	}

	loose, err := NewRuleJudge(Config{Patterns: []string{"Secret"}, IgnoreCase: true, Mode: MatchAny})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}
	if !loose.Evaluate("the secret is out").Success() {
		t.Fatal("IgnoreCase should match across case")
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := NewRuleJudge(Config{Patterns: []string{"("}}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
	if _, err := NewRuleJudge(Config{Mode: MatchMode("most")}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestDeterminism(t *testing.T) {
	j, err := NewRuleJudge(Config{Patterns: []string{"win"}, Mode: MatchAny})
	if err != nil {
		t.Fatalf("new judge: %v", err)
	}
	first := j.Evaluate("winning output")
	for i := 0; i < 10; i++ {
		if got := j.Evaluate("winning output"); got != first {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", got, first)
		}
	}
}
