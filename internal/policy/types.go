package policy

// Action names emitted by policy evaluation.
const (
	ActionAllow     = "allow"
	ActionBlock     = "block"
	ActionTransform = "transform"
	ActionEscalate  = "escalate"
)

// Condition is the declarative "if" part of a rule. All present keys must
// hold for the rule to fire.
type Condition struct {
	Regex      []string `json:"regex,omitempty" yaml:"regex,omitempty"`
	ToolNameIn []string `json:"tool_name_in,omitempty" yaml:"tool_name_in,omitempty"`
	ArgRegex   []string `json:"arg_regex,omitempty" yaml:"arg_regex,omitempty"`
	Handler    string   `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// ActionPayload is the declarative "then" part of a rule. Action is required
// but only checked when the rule fires; load does not validate shape.
type ActionPayload struct {
	Action    string `json:"action" yaml:"action"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Rule pairs a condition with an action payload. Pure data, not code.
type Rule struct {
	Rule string        `json:"rule" yaml:"rule"`
	If   Condition     `json:"if" yaml:"if"`
	Then ActionPayload `json:"then" yaml:"then"`
}

// Policy is a named, versioned set of ordered rule lists per stage.
// Immutable once constructed; safe to share across experiments.
type Policy struct {
	Version    int    `json:"version" yaml:"version"`
	Name       string `json:"name" yaml:"name"`
	PreInput   []Rule `json:"pre_input,omitempty" yaml:"pre_input,omitempty"`
	PostOutput []Rule `json:"post_output,omitempty" yaml:"post_output,omitempty"`
	ToolCall   []Rule `json:"tool_call,omitempty" yaml:"tool_call,omitempty"`
}

// Action is the normalized outcome of evaluating one stage.
type Action struct {
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Transform string `json:"transform,omitempty"`
}

// Allow is the implicit result when no rule matches.
func Allow() Action {
	return Action{Action: ActionAllow}
}
