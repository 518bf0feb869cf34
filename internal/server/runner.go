package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"redteamer/internal/experiment"
	"redteamer/internal/judge"
	"redteamer/internal/llm"
	"redteamer/internal/model"
	"redteamer/internal/policy"
)

type RunManager struct {
	cfg        ServerConfig
	store      Store
	budget     *BudgetManager
	obs        *Observability
	queue      chan queuedRun
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

type RunnerService interface {
	CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error)
	CreateQuickRun(request QuickRunRequest, ipHash, uaHash string) (RunMeta, error)
}

type queuedRun struct {
	RunID       string
	Request     RunRequest
	Creator     Principal
	CreatorType string
	Source      string
}

func NewRunManager(cfg ServerConfig, store Store, budget *BudgetManager, obs *Observability) *RunManager {
	maxParallel := cfg.Budget.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &RunManager{
		cfg:        cfg,
		store:      store,
		budget:     budget,
		obs:        obs,
		queue:      make(chan queuedRun, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickRunRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *RunManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *RunManager) CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error) {
	if len(request.Scenarios) == 0 {
		return RunMeta{}, errors.New("at least one scenario is required")
	}
	for _, scenario := range request.Scenarios {
		if strings.TrimSpace(scenario.ID) == "" || strings.TrimSpace(scenario.UserPrompt) == "" {
			return RunMeta{}, errors.New("every scenario needs an id and a user_prompt")
		}
	}
	if strings.TrimSpace(request.Model) == "" {
		request.Model = "stub"
	}
	if request.Model != "stub" && strings.TrimSpace(request.Endpoint) == "" {
		request.Endpoint = "https://api.anthropic.com"
	}
	if request.BudgetUSD <= 0 {
		request.BudgetUSD = m.cfg.Budget.DefaultRunBudgetUSD
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = m.cfg.Budget.DefaultTimeoutSec
	}
	if request.AttemptLimit <= 0 {
		request.AttemptLimit = m.cfg.Budget.DefaultAttemptLimit
	}
	if request.JudgeMode != "" && request.JudgeMode != string(judge.MatchAll) && request.JudgeMode != string(judge.MatchAny) {
		return RunMeta{}, fmt.Errorf("unknown judge_mode %q", request.JudgeMode)
	}
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      source,
		CreatorType: "admin",
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "run queued", map[string]any{
		"source":    source,
		"scenarios": len(request.Scenarios),
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    "queued",
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     request,
		Creator:     principal,
		CreatorType: "admin",
		Source:      source,
	}
	return meta, nil
}

func (m *RunManager) CreateQuickRun(request QuickRunRequest, ipHash, uaHash string) (RunMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkBudgetBlocked(context.Background(), "quick_run_rate_limit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_run.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return RunMeta{}, errors.New("quick run rate limit reached")
	}
	runRequest, err := quickRunToRunRequest(request)
	if err != nil {
		return RunMeta{}, err
	}
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      "user.quick_run",
		CreatorType: "user",
		Request:     runRequest,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "quick run queued", map[string]any{
		"scenario_id": runRequest.Scenarios[0].ID,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "user",
		Action:    "quick_run.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    runRequest.Scenarios[0].ID,
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     runRequest,
		CreatorType: "user",
		Source:      "user.quick_run",
	}
	return meta, nil
}

func (m *RunManager) worker() {
	for queued := range m.queue {
		m.executeRun(queued)
	}
}

func (m *RunManager) executeRun(queued queuedRun) {
	startedAt := nowRFC3339()
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "running"
		meta.StartedAt = startedAt
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "start", "run started", nil)

	if queued.Request.DryRun {
		report := buildDryRunReport(queued.Request)
		risk := riskFromReport(report)
		status := reportOverallStatus(report, "")
		_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
			meta.Status = status
			meta.FinishedAt = nowRFC3339()
			meta.Report = &report
			meta.EstimatedCost = 0
			meta.KeyUsage = KeyUsageRecord{RunID: queued.RunID, KeyLabel: "dry-run"}
			meta.Risk = risk
		})
		_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "dry-run completed", map[string]any{
			"status": status,
		})
		if m.obs != nil {
			m.obs.MarkRun(context.Background(), status)
		}
		return
	}

	var lease KeyLease
	var leased bool
	attacker := model.Generator(model.Stub{})
	if queued.Request.Model != "stub" {
		// Real target models spend money; lease a key for the whole batch.
		batchCap := queued.Request.BudgetUSD * float64(len(queued.Request.Scenarios))
		acquired, err := m.budget.Acquire(batchCap)
		if err != nil {
			_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
				meta.Status = "error"
				meta.Error = "target key unavailable: " + err.Error()
				meta.FinishedAt = nowRFC3339()
				meta.KeyUsage = KeyUsageRecord{
					RunID:         queued.RunID,
					BlockedReason: "target_key_unavailable",
				}
			})
			_, _ = m.store.AppendRunEvent(queued.RunID, "error", "target key unavailable", map[string]any{"error": err.Error()})
			if m.obs != nil {
				m.obs.MarkRun(context.Background(), "error")
				m.obs.MarkBudgetBlocked(context.Background(), "key_unavailable")
			}
			return
		}
		lease = acquired
		leased = true
		client := llm.NewClient(llm.Config{
			BaseURL: queued.Request.Endpoint,
			APIKey:  lease.APIKey,
			Timeout: time.Duration(minInt(queued.Request.TimeoutSec, 120)) * time.Second,
		})
		attacker = model.NewAPI(client, queued.Request.Model, 0)
	}

	timeout := time.Duration(queued.Request.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, runErr := m.runScenarios(ctx, queued, attacker)
	if leased {
		m.budget.Commit(lease, report.TotalCost)
	}

	risk := riskFromReport(report)
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	status := reportOverallStatus(report, errText)
	keyLabel := "stub"
	if leased {
		keyLabel = lease.Label
	}
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Report = &report
		meta.EstimatedCost = report.TotalCost
		meta.KeyUsage = KeyUsageRecord{
			RunID:    queued.RunID,
			KeyLabel: keyLabel,
			SpentUSD: report.TotalCost,
		}
		meta.Risk = risk
		meta.Error = errText
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "run completed", map[string]any{
		"status":     status,
		"total_cost": report.TotalCost,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     queued.RunID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "run.completed",
		Result:    status,
		Detail:    fmt.Sprintf("cost=%.4f key=%s", report.TotalCost, keyLabel),
	})
	if m.obs != nil {
		m.obs.MarkRun(ctx, status)
	}
}

// runScenarios drives each scenario's self-play loop attempt by attempt so
// progress is visible through run events while the loop is still going.
func (m *RunManager) runScenarios(ctx context.Context, queued queuedRun, attacker model.Generator) (RunReport, error) {
	request := queued.Request
	policyDoc := policy.Policy{Version: 1, Name: "permissive"}
	if request.Policy != nil {
		policyDoc = *request.Policy
	}
	engine := experiment.NewDefenseEngine(policyDoc)

	report := RunReport{
		GeneratedAt: nowRFC3339(),
		Model:       request.Model,
		PolicyName:  policyDoc.Name,
		Outcomes:    make([]ScenarioOutcome, 0, len(request.Scenarios)),
	}

	for _, scenario := range request.Scenarios {
		judgeConfig := scenario.JudgeConfig([]string{"system prompt"})
		if request.JudgeMode != "" {
			judgeConfig.Mode = judge.MatchMode(request.JudgeMode)
		}
		ruleJudge, err := judge.NewRuleJudge(judgeConfig)
		if err != nil {
			return report, fmt.Errorf("scenario %s: %w", scenario.ID, err)
		}
		flow := experiment.NewFlow(experiment.FlowConfig{
			Attacker: attacker,
			Engine:   engine,
			Judge:    ruleJudge,
		})

		state := experiment.NewState(scenario, request.Seed, request.BudgetUSD)
		state.LearnerState.AttemptLimit = request.AttemptLimit
		state.LearnerState.MinAttempts = request.MinAttempts
		state.LearnerState.RequiredSuccessAttempts = request.RequiredSuccessAttempts

		_, _ = m.store.AppendRunEvent(queued.RunID, "scenario_start", "scenario started", map[string]any{
			"scenario": scenario.ID,
			"budget":   request.BudgetUSD,
		})

		outcome := ScenarioOutcome{ScenarioID: scenario.ID, Category: scenario.Category}
		for !state.Done {
			attemptStart := time.Now()
			next, invokeErr := flow.Invoke(ctx, state)
			if invokeErr != nil {
				return report, fmt.Errorf("scenario %s: %w", scenario.ID, invokeErr)
			}
			for _, action := range next.DefenseActions {
				switch action.Action {
				case policy.ActionBlock:
					outcome.BlockedAttempts++
				case policy.ActionEscalate:
					outcome.EscalatedAttempts++
				}
				if m.obs != nil && action.Action != policy.ActionAllow {
					m.obs.MarkDefenseAction(ctx, action.Stage, action.Action)
				}
			}
			if m.obs != nil {
				m.obs.MarkAttempt(ctx, scenario.ID, time.Since(attemptStart).Milliseconds())
			}
			_, _ = m.store.AppendRunEvent(queued.RunID, "attempt", "attempt finished", map[string]any{
				"scenario":   scenario.ID,
				"attempt":    next.LearnerState.TotalAttempts,
				"success":    next.LearnerState.LastAttemptSuccess,
				"budget_usd": next.BudgetUSD,
			})
			state = next
		}

		outcome.Success = state.Judgement != nil && state.Judgement.Success
		outcome.Attempts = state.LearnerState.TotalAttempts
		outcome.BudgetLeftUSD = state.BudgetUSD
		outcome.SpentUSD = request.BudgetUSD - state.BudgetUSD
		outcome.Error = state.Error
		if state.Judgement != nil {
			outcome.Label = state.Judgement.Label
			outcome.Reason = state.Judgement.Reason
		}
		report.Outcomes = append(report.Outcomes, outcome)
		report.TotalCost += outcome.SpentUSD
		switch {
		case outcome.Error != "":
			report.Errored++
		case outcome.Success:
			report.Breached++
		default:
			report.Held++
		}

		_, _ = m.store.AppendRunEvent(queued.RunID, "scenario_result", "scenario finished", map[string]any{
			"scenario": scenario.ID,
			"success":  outcome.Success,
			"attempts": outcome.Attempts,
			"spent":    outcome.SpentUSD,
			"error":    outcome.Error,
		})
	}
	return report, nil
}

func reportOverallStatus(report RunReport, runErr string) string {
	switch {
	case runErr != "":
		return "error"
	case report.Errored > 0 && report.Breached == 0 && report.Held == 0:
		return "error"
	case report.Breached > 0:
		return "breached"
	default:
		return "clean"
	}
}

func riskFromReport(report RunReport) RiskSnapshot {
	out := RiskSnapshot{}
	for _, outcome := range report.Outcomes {
		out.TotalAttempts += outcome.Attempts
		out.BlockedAttempts += outcome.BlockedAttempts
		out.EscalatedAttempts += outcome.EscalatedAttempts
		if outcome.Success {
			out.BreachedScenarios++
		}
	}
	if len(report.Outcomes) > 0 {
		out.SuccessRate = float64(out.BreachedScenarios) / float64(len(report.Outcomes))
	}
	return out
}

func buildDryRunReport(request RunRequest) RunReport {
	report := RunReport{
		GeneratedAt: nowRFC3339(),
		Model:       request.Model,
		Outcomes:    make([]ScenarioOutcome, 0, len(request.Scenarios)),
	}
	if request.Policy != nil {
		report.PolicyName = request.Policy.Name
	}
	for _, scenario := range request.Scenarios {
		report.Outcomes = append(report.Outcomes, ScenarioOutcome{
			ScenarioID:    scenario.ID,
			Category:      scenario.Category,
			Success:       false,
			Attempts:      0,
			BudgetLeftUSD: request.BudgetUSD,
			Label:         "DRY_RUN",
			Reason:        "dry-run simulated defense hold",
		})
		report.Held++
	}
	return report
}

func quickRunToRunRequest(input QuickRunRequest) (RunRequest, error) {
	prompt := strings.TrimSpace(input.UserPrompt)
	if prompt == "" {
		return RunRequest{}, errors.New("user_prompt is required")
	}
	mode := strings.ToLower(strings.TrimSpace(input.JudgeMode))
	switch mode {
	case "", string(judge.MatchAny), string(judge.MatchAll):
	default:
		return RunRequest{}, fmt.Errorf("unknown judge_mode %q", input.JudgeMode)
	}
	scenarioID, err := randomID("quick")
	if err != nil {
		return RunRequest{}, err
	}
	criteria := []experiment.Criterion{}
	if len(input.SuccessPatterns) > 0 {
		criterionType := "regex_any"
		if mode == string(judge.MatchAll) {
			criterionType = "regex_all"
		}
		criteria = append(criteria, experiment.Criterion{Type: criterionType, Patterns: input.SuccessPatterns})
	}
	return RunRequest{
		Scenarios: []experiment.Scenario{{
			ID:              scenarioID,
			Category:        strings.TrimSpace(input.Category),
			UserPrompt:      prompt,
			SuccessCriteria: criteria,
		}},
		Model:        "stub",
		BudgetUSD:    0.1,
		AttemptLimit: 5,
		TimeoutSec:   30,
	}, nil
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	items = filterRecentTime(items, cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
