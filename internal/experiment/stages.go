package experiment

import (
	"context"
	"fmt"

	"redteamer/internal/policy"
)

// attackerStage generates the next adversarial prompt. A generation failure
// terminates the experiment through the Error field instead of propagating.
func (f *Flow) attackerStage(ctx context.Context, state State) State {
	f.logger.Info("attacker generating prompt",
		"scenario", state.Scenario.ID,
		"attempt", state.Attempt,
		"budget_usd", state.BudgetUSD,
	)
	seedPrompt := fmt.Sprintf("%s [Attempt %d, Budget: $%.2f]",
		state.Scenario.UserPrompt, state.Attempt, state.BudgetUSD)

	next := state.clone()
	generated, err := f.attacker.Generate(ctx, seedPrompt)
	if err != nil {
		f.logger.Error("attacker generation failed", "error", err)
		next.AttackPrompt = nil
		next.ModelOutput = nil
		next.Error = fmt.Sprintf("Attacker failed: %v", err)
		next.Done = true
		next.Costs[CostAttackGeneration] = 0.0
		return next
	}

	decorated := fmt.Sprintf("%s (attempt %d, Budget $%.2f)",
		generated, state.Attempt, state.BudgetUSD)
	next.AttackPrompt = strPtr(decorated)
	next.Costs[CostAttackGeneration] = AttackGenerationCost
	next.Error = ""
	return next
}

// defenderStage applies the pre-input policy, produces the target response,
// and applies the post-output policy. The returned error is only ever a
// policy configuration defect.
func (f *Flow) defenderStage(ctx context.Context, state State) (State, error) {
	if state.Error != "" {
		return state, nil
	}
	if state.AttackPrompt == nil {
		next := state.clone()
		next.Error = "No attack prompt provided"
		next.Done = true
		return next, nil
	}

	next := state.clone()
	next.DefenseActions = []DefenseAction{}

	preAction, err := f.engine.EvaluatePreInput(*state.AttackPrompt)
	if err != nil {
		return state, err
	}
	preRecord := recordFor("pre_input", preAction)

	switch preAction.Action {
	case policy.ActionBlock, policy.ActionEscalate:
		f.logger.Info("defense intercepted prompt", "action", preAction.Action, "reason", preAction.Reason)
		next.DefenseActions = []DefenseAction{preRecord}
		next.ModelOutput = strPtr(interventionMessage(preAction))
		next.Done = true
		return next, nil
	}

	workingPrompt := *state.AttackPrompt
	if preAction.Transform != "" {
		workingPrompt = preAction.Transform
	}
	next.DefenseActions = append(next.DefenseActions, preRecord)

	modelOutput, err := f.respond(ctx, workingPrompt)
	if err != nil {
		next.Error = fmt.Sprintf("Target failed: %v", err)
		next.Done = true
		return next, nil
	}

	postAction, err := f.engine.EvaluatePostOutput(modelOutput)
	if err != nil {
		return state, err
	}
	postRecord := recordFor("post_output", postAction)

	switch postAction.Action {
	case policy.ActionBlock, policy.ActionEscalate:
		f.logger.Info("defense intercepted output", "action", postAction.Action, "reason", postAction.Reason)
		next.DefenseActions = append(next.DefenseActions, postRecord)
		next.ModelOutput = strPtr(interventionMessage(postAction))
		next.Done = true
		return next, nil
	}

	if postAction.Transform != "" {
		modelOutput = postAction.Transform
	}
	next.DefenseActions = append(next.DefenseActions, postRecord)
	next.ModelOutput = strPtr(modelOutput)
	return next, nil
}

// respond produces the target's answer for the defended working prompt.
func (f *Flow) respond(ctx context.Context, workingPrompt string) (string, error) {
	if f.responder == nil {
		return "Simulated response to: " + workingPrompt, nil
	}
	return f.responder.Generate(ctx, workingPrompt)
}

// judgeStage scores the model output, passing through on prior errors.
func (f *Flow) judgeStage(state State) State {
	if state.Error != "" {
		return state
	}
	if state.ModelOutput == nil || *state.ModelOutput == "" {
		next := state.clone()
		next.Error = "No model output to judge"
		next.Done = true
		return next
	}

	decision := f.judge.Evaluate(*state.ModelOutput)
	next := state.clone()
	next.Judgement = &Judgement{
		Label:   decision.Label,
		Reason:  decision.Reason,
		Success: decision.Success(),
	}
	next.Error = ""
	return next
}

// learnerStage always runs, even after an error, to finalize the budget,
// attempt counter, and termination decision.
func (f *Flow) learnerStage(state State) State {
	next := state.clone()

	stepCost, ok := state.Costs[CostAttackGeneration]
	if !ok {
		stepCost = AttackGenerationCost
	}
	remaining := state.BudgetUSD - stepCost
	if remaining < 0 {
		remaining = 0
	}

	learner := state.LearnerState
	learner.TotalAttempts++

	success := state.Judgement != nil && state.Judgement.Success
	if success {
		learner.SuccessStreak++
	} else {
		learner.SuccessStreak = 0
	}
	learner.LastAttemptSuccess = success

	if learner.RequiredSuccessAttempts < 1 {
		learner.RequiredSuccessAttempts = 1
	}
	if learner.MinAttempts < 1 {
		learner.MinAttempts = 1
	}
	if learner.AttemptLimit <= 0 {
		learner.AttemptLimit = DefaultAttemptLimit
	}

	nextAttempt := state.Attempt + 1
	successCompleted := learner.SuccessStreak >= learner.RequiredSuccessAttempts &&
		learner.TotalAttempts >= learner.MinAttempts

	next.BudgetUSD = remaining
	next.Attempt = nextAttempt
	next.LearnerState = learner
	next.Done = state.Done ||
		successCompleted ||
		state.Error != "" ||
		remaining <= 0 ||
		nextAttempt >= learner.AttemptLimit
	return next
}

// DefaultAttemptLimit bounds the loop when no explicit limit is set.
const DefaultAttemptLimit = 20

func recordFor(stage string, action policy.Action) DefenseAction {
	return DefenseAction{
		Stage:     stage,
		Action:    action.Action,
		Reason:    action.Reason,
		Transform: action.Transform,
	}
}

func interventionMessage(action policy.Action) string {
	if action.Action == policy.ActionEscalate {
		return "Escalated by defense: " + action.Reason
	}
	return "Blocked by defense: " + action.Reason
}
