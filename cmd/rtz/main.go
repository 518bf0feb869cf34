package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"redteamer/internal/experiment"
	"redteamer/internal/judge"
	"redteamer/internal/llm"
	"redteamer/internal/model"
	"redteamer/internal/policy"
	"redteamer/internal/trace"
)

type scenarioResult struct {
	ScenarioID string  `json:"scenario_id"`
	Category   string  `json:"category,omitempty"`
	Success    bool    `json:"success"`
	Attempts   int     `json:"attempts"`
	SpentUSD   float64 `json:"spent_usd"`
	BudgetLeft float64 `json:"budget_left_usd"`
	Label      string  `json:"label,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type runReport struct {
	Model       string           `json:"model"`
	PolicyName  string           `json:"policy"`
	GeneratedAt string           `json:"generated_at"`
	Results     []scenarioResult `json:"results"`
	Breached    int              `json:"breached"`
	Held        int              `json:"held"`
	Errored     int              `json:"errored"`
	TotalCost   float64          `json:"total_cost_usd"`
}

func main() {
	scenarioGlobs := flag.String("scenarios", "scenarios/*.yaml", "Comma-separated scenario file globs")
	policyPath := flag.String("policy", "", "Defense policy YAML/JSON file (empty = permissive)")
	modelName := flag.String("model", envOr("RTZ_MODEL", "stub"), "Attacker model: stub or an API model ID")
	endpoint := flag.String("endpoint", envOr("RTZ_ENDPOINT", "https://api.anthropic.com"), "Messages-compatible endpoint base URL")
	apiKey := flag.String("api-key", envOr("RTZ_API_KEY", ""), "API key for non-stub models")
	timeout := flag.Duration("timeout", 90*time.Second, "HTTP timeout per generation request")
	budget := flag.Float64("budget", 1.0, "Per-scenario budget in USD")
	seed := flag.Int64("seed", 0, "Deterministic run seed")
	attemptLimit := flag.Int("attempt-limit", 20, "Hard cap on attempts per scenario")
	minAttempts := flag.Int("min-attempts", 1, "Minimum attempts before success may terminate a run")
	requiredSuccess := flag.Int("required-success", 1, "Consecutive successful attempts required")
	judgeMode := flag.String("judge-mode", "", "Override judge mode: any|all (empty = per-scenario)")
	ignoreCase := flag.Bool("judge-ignore-case", false, "Case-insensitive judge pattern matching")
	reportDir := flag.String("report-dir", "reports", "Directory for trace.jsonl and summary.json")
	htmlOut := flag.String("html", "", "Write a standalone HTML report to this path")
	cacheDir := flag.String("cache-dir", "", "Generation cache directory (empty = no cache)")
	renderTrace := flag.String("render", "", "Render an existing trace.jsonl to -html and exit, without running")
	format := flag.String("format", "text", "Output format: text|json")
	verbose := flag.Bool("verbose", false, "Log every attempt")
	strict := flag.Bool("strict", false, "Exit non-zero if any scenario is breached")
	flag.Parse()

	if strings.TrimSpace(*renderTrace) != "" {
		if strings.TrimSpace(*htmlOut) == "" {
			exitWith("-render requires -html")
		}
		if err := renderExistingTrace(*renderTrace, *htmlOut); err != nil {
			exitWith(err.Error())
		}
		return
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	scenarios, err := experiment.LoadScenarios(splitList(*scenarioGlobs))
	if err != nil {
		exitWith("failed to load scenarios: " + err.Error())
	}
	if len(scenarios) == 0 {
		exitWith("no scenarios matched " + *scenarioGlobs)
	}

	policyDoc := policy.Policy{Version: 1, Name: "permissive"}
	if strings.TrimSpace(*policyPath) != "" {
		policyDoc, err = policy.LoadFile(*policyPath)
		if err != nil {
			exitWith("failed to load policy: " + err.Error())
		}
	}
	engine := experiment.NewDefenseEngine(policyDoc)

	attacker, err := buildAttacker(*modelName, *endpoint, *apiKey, *timeout, *cacheDir)
	if err != nil {
		exitWith(err.Error())
	}

	writer, err := trace.NewWriter(*reportDir)
	if err != nil {
		exitWith("failed to open trace writer: " + err.Error())
	}
	defer writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*8*time.Duration(len(scenarios)))
	defer cancel()

	report := runReport{
		Model:       *modelName,
		PolicyName:  policyDoc.Name,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, scenario := range scenarios {
		result, runErr := runScenario(ctx, scenario, scenarioRunConfig{
			attacker:        attacker,
			engine:          engine,
			logger:          logger,
			writer:          writer,
			modelName:       *modelName,
			budget:          *budget,
			seed:            *seed,
			attemptLimit:    *attemptLimit,
			minAttempts:     *minAttempts,
			requiredSuccess: *requiredSuccess,
			judgeMode:       *judgeMode,
			ignoreCase:      *ignoreCase,
		})
		if runErr != nil {
			exitWith("scenario " + scenario.ID + ": " + runErr.Error())
		}
		report.Results = append(report.Results, result)
		report.TotalCost += result.SpentUSD
		switch {
		case result.Error != "":
			report.Errored++
		case result.Success:
			report.Breached++
		default:
			report.Held++
		}
	}

	if err := trace.WriteSummary(*reportDir, trace.RunSummary{
		TotalScenarios: len(report.Results),
		SuccessfulRuns: report.Breached,
		FailedRuns:     report.Held + report.Errored,
		TotalCost:      report.TotalCost,
		TracePath:      writer.Path(),
		GeneratedAt:    report.GeneratedAt,
	}); err != nil {
		exitWith("failed to write summary: " + err.Error())
	}

	if strings.TrimSpace(*htmlOut) != "" {
		records, readErr := trace.ReadRecords(writer.Path())
		if readErr != nil {
			exitWith("failed to read trace for HTML report: " + readErr.Error())
		}
		summary := trace.RunSummary{
			TotalScenarios: len(report.Results),
			SuccessfulRuns: report.Breached,
			FailedRuns:     report.Held + report.Errored,
			TotalCost:      report.TotalCost,
			TracePath:      writer.Path(),
			GeneratedAt:    report.GeneratedAt,
		}
		if err := trace.WriteHTMLReport(*htmlOut, summary, records); err != nil {
			exitWith("failed to write HTML report: " + err.Error())
		}
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(report)
	default:
		printText(report)
	}

	if *strict && report.Breached > 0 {
		os.Exit(1)
	}
}

type scenarioRunConfig struct {
	attacker        model.Generator
	engine          *policy.Engine
	logger          *slog.Logger
	writer          *trace.Writer
	modelName       string
	budget          float64
	seed            int64
	attemptLimit    int
	minAttempts     int
	requiredSuccess int
	judgeMode       string
	ignoreCase      bool
}

func runScenario(ctx context.Context, scenario experiment.Scenario, cfg scenarioRunConfig) (scenarioResult, error) {
	judgeCfg := scenario.JudgeConfig([]string{"system prompt"})
	switch strings.ToLower(strings.TrimSpace(cfg.judgeMode)) {
	case "any":
		judgeCfg.Mode = judge.MatchAny
	case "all":
		judgeCfg.Mode = judge.MatchAll
	case "":
	default:
		return scenarioResult{}, fmt.Errorf("unknown judge mode %q", cfg.judgeMode)
	}
	judgeCfg.IgnoreCase = cfg.ignoreCase
	ruleJudge, err := judge.NewRuleJudge(judgeCfg)
	if err != nil {
		return scenarioResult{}, err
	}

	flow := experiment.NewFlow(experiment.FlowConfig{
		Attacker: cfg.attacker,
		Engine:   cfg.engine,
		Judge:    ruleJudge,
		Logger:   cfg.logger,
	})

	state := experiment.NewState(scenario, cfg.seed, cfg.budget)
	state.LearnerState.AttemptLimit = cfg.attemptLimit
	state.LearnerState.MinAttempts = cfg.minAttempts
	state.LearnerState.RequiredSuccessAttempts = cfg.requiredSuccess

	for !state.Done {
		next, invokeErr := flow.Invoke(ctx, state)
		if invokeErr != nil {
			return scenarioResult{}, invokeErr
		}
		record := trace.Record{
			Attempt:    next.Attempt,
			ScenarioID: scenario.ID,
			Category:   scenario.Category,
			Model:      cfg.modelName,
		}
		if next.AttackPrompt != nil {
			record.Prompt = *next.AttackPrompt
		}
		if next.ModelOutput != nil {
			record.Output = *next.ModelOutput
		}
		if next.Judgement != nil {
			record.Decision = trace.Decision{
				Label:  next.Judgement.Label,
				Reason: next.Judgement.Reason,
			}
			if !next.Judgement.Success {
				record.Decision.Score = 1.0
			}
		}
		if err := cfg.writer.Append(record); err != nil {
			return scenarioResult{}, fmt.Errorf("append trace: %w", err)
		}
		cfg.logger.Debug("attempt complete",
			"scenario", scenario.ID,
			"attempt", next.Attempt,
			"budget_usd", next.BudgetUSD,
			"done", next.Done,
		)
		state = next
	}

	result := scenarioResult{
		ScenarioID: scenario.ID,
		Category:   scenario.Category,
		Success:    state.LearnerState.LastAttemptSuccess && state.Error == "",
		Attempts:   state.LearnerState.TotalAttempts,
		SpentUSD:   cfg.budget - state.BudgetUSD,
		BudgetLeft: state.BudgetUSD,
		Error:      state.Error,
	}
	if state.Judgement != nil {
		result.Label = state.Judgement.Label
		result.Reason = state.Judgement.Reason
	}
	return result, nil
}

func buildAttacker(modelName, endpoint, apiKey string, timeout time.Duration, cacheDir string) (model.Generator, error) {
	var generator model.Generator
	if strings.EqualFold(strings.TrimSpace(modelName), "stub") {
		generator = model.Stub{}
	} else {
		if strings.TrimSpace(apiKey) == "" {
			return nil, fmt.Errorf("RTZ_API_KEY or -api-key is required for model %q", modelName)
		}
		client := llm.NewClient(llm.Config{
			BaseURL: endpoint,
			APIKey:  apiKey,
			Timeout: timeout,
		})
		generator = model.NewAPI(client, modelName, 0)
	}
	if strings.TrimSpace(cacheDir) != "" {
		cache, err := model.NewFileCache(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("open generation cache: %w", err)
		}
		generator = model.NewCached(generator, cache)
	}
	return generator, nil
}

// renderExistingTrace rebuilds the summary from a prior trace file and
// writes the HTML report without running any scenario.
func renderExistingTrace(tracePath, htmlPath string) error {
	records, err := trace.ReadRecords(tracePath)
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}
	summary := trace.RunSummary{
		TracePath:   tracePath,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	seen := map[string]bool{}
	for _, record := range records {
		if record.Decision.Score == 0 && record.Decision.Label != "" {
			seen[record.ScenarioID] = true
		} else if _, ok := seen[record.ScenarioID]; !ok {
			seen[record.ScenarioID] = false
		}
	}
	for _, success := range seen {
		summary.TotalScenarios++
		if success {
			summary.SuccessfulRuns++
		} else {
			summary.FailedRuns++
		}
	}
	if err := trace.WriteHTMLReport(htmlPath, summary, records); err != nil {
		return fmt.Errorf("write HTML report: %w", err)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func printText(report runReport) {
	fmt.Printf("Model: %s\n", report.Model)
	fmt.Printf("Policy: %s\n", report.PolicyName)
	fmt.Printf("Generated: %s\n\n", report.GeneratedAt)

	for _, result := range report.Results {
		verdict := "HELD"
		if result.Success {
			verdict = "BREACHED"
		}
		if result.Error != "" {
			verdict = "ERROR"
		}
		fmt.Printf("[%s] %s - %d attempts, spent $%.2f\n", verdict, result.ScenarioID, result.Attempts, result.SpentUSD)
		if result.Reason != "" {
			fmt.Printf("  reason: %s\n", result.Reason)
		}
		if result.Error != "" {
			fmt.Printf("  error: %s\n", result.Error)
		}
	}

	fmt.Printf("\nTotals: breached=%d held=%d error=%d cost=$%.2f\n",
		report.Breached, report.Held, report.Errored, report.TotalCost)
}

func printJSON(report runReport) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
