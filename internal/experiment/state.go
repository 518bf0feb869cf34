// Package experiment implements the closed-loop self-play state machine:
// attacker, defender, judge, and learner stages threaded by a single
// experiment state record.
package experiment

// CostAttackGeneration is the cost category charged per attacker cycle.
const CostAttackGeneration = "attack_generation"

// AttackGenerationCost is the fixed per-attempt cost of a successful
// attacker generation.
const AttackGenerationCost = 0.01

// DefenseAction records one policy decision made during a defender pass.
type DefenseAction struct {
	Stage     string `json:"stage"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Transform string `json:"transform,omitempty"`
}

// Judgement is the judge stage's verdict on the latest model output.
type Judgement struct {
	Label   string `json:"label"`
	Reason  string `json:"reason,omitempty"`
	Success bool   `json:"success"`
}

// LearnerState holds cross-attempt bookkeeping. Owned exclusively by the
// learner stage; other stages must not write to it. Zero values for the
// configuration fields are resolved to defaults on the first learner pass
// and sticky afterwards.
type LearnerState struct {
	TotalAttempts           int  `json:"total_attempts"`
	SuccessStreak           int  `json:"success_streak"`
	RequiredSuccessAttempts int  `json:"required_success_attempts"`
	MinAttempts             int  `json:"min_attempts"`
	AttemptLimit            int  `json:"attempt_limit"`
	LastAttemptSuccess      bool `json:"last_attempt_success"`
}

// State is the experiment record threaded through every stage. Stages
// derive a fresh value from their input instead of mutating it, so prior
// snapshots stay valid for benchmarking and concurrent inspection.
type State struct {
	Scenario       Scenario           `json:"scenario"`
	Seed           int64              `json:"seed"`
	BudgetUSD      float64            `json:"budget_usd"`
	Attempt        int                `json:"attempt"`
	AttackPrompt   *string            `json:"attack_prompt,omitempty"`
	DefenseActions []DefenseAction    `json:"defense_actions"`
	ModelOutput    *string            `json:"model_output,omitempty"`
	Judgement      *Judgement         `json:"judgement,omitempty"`
	LearnerState   LearnerState       `json:"learner_state"`
	Costs          map[string]float64 `json:"costs"`
	Done           bool               `json:"done"`
	Error          string             `json:"error,omitempty"`
}

// NewState builds the initial state for one experiment run.
func NewState(scenario Scenario, seed int64, budgetUSD float64) State {
	return State{
		Scenario:       scenario,
		Seed:           seed,
		BudgetUSD:      budgetUSD,
		DefenseActions: []DefenseAction{},
		Costs:          map[string]float64{},
	}
}

// clone deep-copies the mutable containers so a stage can build its output
// without aliasing the caller's state.
func (s State) clone() State {
	out := s
	out.DefenseActions = append([]DefenseAction(nil), s.DefenseActions...)
	out.Costs = make(map[string]float64, len(s.Costs))
	for category, value := range s.Costs {
		out.Costs[category] = value
	}
	if s.AttackPrompt != nil {
		prompt := *s.AttackPrompt
		out.AttackPrompt = &prompt
	}
	if s.ModelOutput != nil {
		output := *s.ModelOutput
		out.ModelOutput = &output
	}
	if s.Judgement != nil {
		judgement := *s.Judgement
		out.Judgement = &judgement
	}
	return out
}

func strPtr(s string) *string {
	return &s
}
