package experiment

import (
	"context"
	"log/slog"

	"redteamer/internal/judge"
	"redteamer/internal/model"
	"redteamer/internal/policy"
)

// Flow wires the four stages into one experiment cycle. The attacker model,
// policy engine, and judge are fixed at construction and read-only
// afterwards, so one Flow can serve concurrent experiments as long as each
// run threads its own state.
type Flow struct {
	attacker  model.Generator
	responder model.Generator
	engine    *policy.Engine
	judge     *judge.RuleJudge
	logger    *slog.Logger
}

// FlowConfig configures a Flow. Zero fields fall back to a stub attacker,
// an empty allow-all policy, and a judge that never matches.
type FlowConfig struct {
	Attacker model.Generator
	// Responder produces the target's answer to the defended prompt. When
	// nil the defender synthesizes a deterministic placeholder response.
	Responder model.Generator
	Engine    *policy.Engine
	Judge     *judge.RuleJudge
	Logger    *slog.Logger
}

func NewFlow(cfg FlowConfig) *Flow {
	attacker := cfg.Attacker
	if attacker == nil {
		attacker = model.Stub{}
	}
	engine := cfg.Engine
	if engine == nil {
		engine = policy.NewEngine(policy.Policy{Version: 1, Name: "default"})
	}
	ruleJudge := cfg.Judge
	if ruleJudge == nil {
		ruleJudge, _ = judge.NewRuleJudge(judge.Config{Patterns: []string{"NEVER_MATCH"}})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		attacker:  attacker,
		responder: cfg.Responder,
		engine:    engine,
		judge:     ruleJudge,
		logger:    logger,
	}
}

// Invoke runs one full attacker->defender->judge->learner cycle. The only
// error it returns is a policy configuration defect; generation failures
// are folded into the state's Error field with forced termination.
func (f *Flow) Invoke(ctx context.Context, state State) (State, error) {
	state = f.attackerStage(ctx, state)
	state, err := f.defenderStage(ctx, state)
	if err != nil {
		return state, err
	}
	state = f.judgeStage(state)
	state = f.learnerStage(state)
	return state, nil
}

// RunToCompletion loops Invoke until the learner marks the state done.
// Termination is guaranteed by the attempt limit even if budget and
// success conditions never trigger.
func (f *Flow) RunToCompletion(ctx context.Context, state State) (State, error) {
	for !state.Done {
		next, err := f.Invoke(ctx, state)
		if err != nil {
			return next, err
		}
		state = next
	}
	return state, nil
}
