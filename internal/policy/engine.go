package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ConfigurationError marks a defect in the policy or handler setup. It is
// returned to the caller instead of being folded into experiment state.
type ConfigurationError struct {
	Rule   string
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Rule == "" {
		return "policy configuration: " + e.Detail
	}
	return fmt.Sprintf("policy configuration: rule %q: %s", e.Rule, e.Detail)
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) (*ConfigurationError, bool) {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return cfgErr, true
	}
	return nil, false
}

// Candidate is the payload a stage evaluates: plain text for the pre-input
// and post-output stages, a named tool invocation for the tool-call stage.
type Candidate struct {
	Text string
	Tool bool
	Name string
	Args map[string]any
}

// Handler is a pluggable rule evaluator consulted when a rule names it.
// It receives the raw candidate and returns an action payload directly,
// bypassing the generic condition matcher. Returning an allow action means
// the rule did not fire and scanning continues.
type Handler func(candidate Candidate) Action

// Engine evaluates an immutable policy across the three defense stages.
// RegisterHandler is setup-time only; evaluation itself holds no state and
// is safe for concurrent use once construction is finished.
type Engine struct {
	policy   Policy
	handlers map[string]Handler
}

func NewEngine(p Policy) *Engine {
	return &Engine{
		policy:   p,
		handlers: map[string]Handler{},
	}
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() Policy {
	return e.policy
}

// RegisterHandler installs a named custom handler. Must not be called once
// evaluation has started.
func (e *Engine) RegisterHandler(name string, handler Handler) {
	e.handlers[strings.TrimSpace(name)] = handler
}

// EvaluatePreInput scans the pre-input rules against an attack prompt.
func (e *Engine) EvaluatePreInput(prompt string) (Action, error) {
	return e.evaluate(e.policy.PreInput, Candidate{Text: prompt})
}

// EvaluatePostOutput scans the post-output rules against a model response.
func (e *Engine) EvaluatePostOutput(output string) (Action, error) {
	return e.evaluate(e.policy.PostOutput, Candidate{Text: output})
}

// EvaluateToolCall scans the tool-call rules against a tool invocation.
func (e *Engine) EvaluateToolCall(name string, args map[string]any) (Action, error) {
	return e.evaluate(e.policy.ToolCall, Candidate{Tool: true, Name: name, Args: args})
}

// evaluate walks rules in declaration order and returns the first matching
// rule's action, or allow when nothing matches.
func (e *Engine) evaluate(rules []Rule, candidate Candidate) (Action, error) {
	for _, rule := range rules {
		if handlerName := strings.TrimSpace(rule.If.Handler); handlerName != "" {
			handler, ok := e.handlers[handlerName]
			if !ok {
				return Action{}, &ConfigurationError{Rule: rule.Rule, Detail: "unknown custom handler " + handlerName}
			}
			action := handler(candidate)
			if action.Action != ActionAllow {
				return action, nil
			}
			continue
		}

		matched, err := matchesCondition(rule.If, candidate)
		if err != nil {
			return Action{}, &ConfigurationError{Rule: rule.Rule, Detail: err.Error()}
		}
		if !matched {
			continue
		}
		if strings.TrimSpace(rule.Then.Action) == "" {
			return Action{}, &ConfigurationError{Rule: rule.Rule, Detail: "rule payload missing action"}
		}
		return Action{
			Action:    rule.Then.Action,
			Reason:    rule.Then.Reason,
			Transform: rule.Then.Transform,
		}, nil
	}
	return Allow(), nil
}

// matchesCondition applies every present condition key; all must hold. A
// condition with no keys never fires.
func matchesCondition(condition Condition, candidate Candidate) (bool, error) {
	keys := 0

	if len(condition.Regex) > 0 {
		keys++
		target := candidate.Text
		if candidate.Tool {
			target = candidate.Name
		}
		matched, err := anyPatternMatches(condition.Regex, target)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}

	if len(condition.ToolNameIn) > 0 {
		keys++
		if !candidate.Tool {
			return false, nil
		}
		found := false
		for _, name := range condition.ToolNameIn {
			if name == candidate.Name {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if len(condition.ArgRegex) > 0 {
		keys++
		if !candidate.Tool {
			return false, nil
		}
		serialized, err := canonicalArgs(candidate.Args)
		if err != nil {
			return false, err
		}
		matched, err := anyPatternMatches(condition.ArgRegex, serialized)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}

	return keys > 0, nil
}

func anyPatternMatches(patterns []string, target string) (bool, error) {
	for _, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if re.MatchString(target) {
			return true, nil
		}
	}
	return false, nil
}

// canonicalArgs serializes tool arguments with stable key order so that
// arg_regex patterns see a deterministic text.
func canonicalArgs(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("serialize tool args: %w", err)
	}
	return string(data), nil
}
