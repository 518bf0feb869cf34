package server

import "testing"

func TestMemoryStoreRunLifecycle(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	meta := RunMeta{
		RunID:       "run_test_1",
		Status:      "queued",
		Source:      "test",
		CreatorType: "admin",
		CreatedAt:   nowRFC3339(),
	}
	if err := store.CreateRun(meta); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	event, err := store.AppendRunEvent(meta.RunID, "queue", "queued", nil)
	if err != nil {
		t.Fatalf("AppendRunEvent error: %v", err)
	}
	if event.Seq != 1 {
		t.Fatalf("expected first seq=1, got %d", event.Seq)
	}
	updated, err := store.UpdateRun(meta.RunID, func(item *RunMeta) {
		item.Status = "running"
	})
	if err != nil {
		t.Fatalf("UpdateRun error: %v", err)
	}
	if updated.Status != "running" {
		t.Fatalf("expected status running, got %s", updated.Status)
	}
}

func TestMemoryStoreOverviewCountsStatuses(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	runs := []RunMeta{
		{RunID: "r1", Status: "breached", CreatedAt: nowRFC3339(), EstimatedCost: 0.5,
			Report: &RunReport{Breached: 1}, Risk: RiskSnapshot{TotalAttempts: 4}},
		{RunID: "r2", Status: "clean", CreatedAt: nowRFC3339(), EstimatedCost: 0.25,
			Report: &RunReport{Held: 2}, Risk: RiskSnapshot{TotalAttempts: 8}},
		{RunID: "r3", Status: "running", CreatedAt: nowRFC3339()},
	}
	for _, run := range runs {
		if err := store.CreateRun(run); err != nil {
			t.Fatalf("CreateRun %s: %v", run.RunID, err)
		}
	}
	overview := store.GetMetricsOverview()
	if overview.TotalRuns != 3 || overview.BreachedRuns != 1 || overview.CleanRuns != 1 || overview.RunningRuns != 1 {
		t.Fatalf("unexpected overview: %+v", overview)
	}
	if overview.TotalAttempts != 12 {
		t.Fatalf("expected 12 total attempts, got %d", overview.TotalAttempts)
	}
	if overview.AverageAttempts != 6 {
		t.Fatalf("expected average 6, got %f", overview.AverageAttempts)
	}
	if overview.TotalCostUSD != 0.75 {
		t.Fatalf("expected total cost 0.75, got %f", overview.TotalCostUSD)
	}
}
