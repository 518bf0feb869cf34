package experiment

import (
	"redteamer/internal/policy"
	"redteamer/internal/redact"
)

// HandlerConfusables is the custom handler name policies use to escalate
// prompts containing Unicode confusable characters.
const HandlerConfusables = "unicode_confusables"

// NewDefenseEngine builds a policy engine with the standard custom
// handlers registered. Policies that never reference a handler behave
// exactly like a plain engine.
func NewDefenseEngine(p policy.Policy) *policy.Engine {
	engine := policy.NewEngine(p)
	engine.RegisterHandler(HandlerConfusables, func(candidate policy.Candidate) policy.Action {
		if redact.HasConfusables(candidate.Text) {
			return policy.Action{
				Action: policy.ActionEscalate,
				Reason: "unicode confusables detected",
			}
		}
		return policy.Allow()
	})
	return engine
}
