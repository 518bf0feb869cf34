package server

import (
	"time"

	"redteamer/internal/experiment"
	"redteamer/internal/policy"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RunRequest describes one batch of adversarial scenarios to execute.
// Scenarios and the policy are carried inline so the server never depends
// on the submitter's filesystem.
type RunRequest struct {
	Scenarios               []experiment.Scenario `json:"scenarios"`
	Policy                  *policy.Policy        `json:"policy,omitempty"`
	Model                   string                `json:"model,omitempty"`
	Endpoint                string                `json:"endpoint,omitempty"`
	BudgetUSD               float64               `json:"budget_usd,omitempty"`
	Seed                    int64                 `json:"seed,omitempty"`
	AttemptLimit            int                   `json:"attempt_limit,omitempty"`
	MinAttempts             int                   `json:"min_attempts,omitempty"`
	RequiredSuccessAttempts int                   `json:"required_success_attempts,omitempty"`
	JudgeMode               string                `json:"judge_mode,omitempty"`
	DryRun                  bool                  `json:"dry_run,omitempty"`
	TimeoutSec              int                   `json:"timeout_sec,omitempty"`
}

// QuickRunRequest is the unauthenticated single-scenario entry point. The
// run always uses the stub generator pool so it can never spend real budget.
type QuickRunRequest struct {
	UserPrompt      string   `json:"user_prompt"`
	SuccessPatterns []string `json:"success_patterns,omitempty"`
	JudgeMode       string   `json:"judge_mode,omitempty"`
	Category        string   `json:"category,omitempty"`
}

type RunMeta struct {
	RunID         string         `json:"run_id"`
	Status        string         `json:"status"`
	CreatorType   string         `json:"creator_type"`
	CreatorSub    string         `json:"creator_sub,omitempty"`
	CreatorEmail  string         `json:"creator_email,omitempty"`
	Source        string         `json:"source"`
	Request       RunRequest     `json:"request"`
	StartedAt     string         `json:"started_at,omitempty"`
	FinishedAt    string         `json:"finished_at,omitempty"`
	CreatedAt     string         `json:"created_at"`
	Error         string         `json:"error,omitempty"`
	Report        *RunReport     `json:"report,omitempty"`
	Risk          RiskSnapshot   `json:"risk"`
	KeyUsage      KeyUsageRecord `json:"key_usage"`
	EstimatedCost float64        `json:"estimated_cost_usd"`
}

// ScenarioOutcome is the terminal summary of one scenario's self-play loop.
type ScenarioOutcome struct {
	ScenarioID        string  `json:"scenario_id"`
	Category          string  `json:"category,omitempty"`
	Success           bool    `json:"success"`
	Attempts          int     `json:"attempts"`
	BudgetLeftUSD     float64 `json:"budget_left_usd"`
	SpentUSD          float64 `json:"spent_usd"`
	Label             string  `json:"label,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	BlockedAttempts   int     `json:"blocked_attempts"`
	EscalatedAttempts int     `json:"escalated_attempts"`
	Error             string  `json:"error,omitempty"`
}

// RunReport aggregates all scenario outcomes of one run.
type RunReport struct {
	GeneratedAt string            `json:"generated_at"`
	Model       string            `json:"model"`
	PolicyName  string            `json:"policy_name,omitempty"`
	Outcomes    []ScenarioOutcome `json:"outcomes"`
	Breached    int               `json:"breached"`
	Held        int               `json:"held"`
	Errored     int               `json:"errored"`
	TotalCost   float64           `json:"total_cost_usd"`
}

// RiskSnapshot condenses a run's defensive posture for list views.
type RiskSnapshot struct {
	SuccessRate       float64 `json:"attack_success_rate"`
	BreachedScenarios int     `json:"breached_scenarios"`
	BlockedAttempts   int     `json:"blocked_attempts"`
	EscalatedAttempts int     `json:"escalated_attempts"`
	TotalAttempts     int     `json:"total_attempts"`
}

type KeyUsageRecord struct {
	RunID         string  `json:"run_id"`
	KeyLabel      string  `json:"key_label"`
	SpentUSD      float64 `json:"spent_usd"`
	BlockedReason string  `json:"blocked_reason,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt     string  `json:"generated_at"`
	TotalRuns       int     `json:"total_runs"`
	RunningRuns     int     `json:"running_runs"`
	BreachedRuns    int     `json:"breached_runs"`
	CleanRuns       int     `json:"clean_runs"`
	ErrorRuns       int     `json:"error_runs"`
	TotalAttempts   int     `json:"total_attempts"`
	AverageAttempts float64 `json:"average_attempts"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
