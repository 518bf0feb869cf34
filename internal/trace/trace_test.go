package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	records := []Record{
		{Attempt: 0, ScenarioID: "s1", Model: "stub:echo", Prompt: "first", Output: "out-1", Decision: Decision{Label: "FAIL", Reason: "no-match", Score: 1.0}},
		{Attempt: 1, ScenarioID: "s1", Model: "stub:echo", Prompt: "second", Output: "out-2", Decision: Decision{Label: "SUCCESS", Reason: "matched:x", Score: 0.0}},
	}
	for _, record := range records {
		if err := writer.Append(record); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	loaded, err := ReadRecords(writer.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(loaded))
	}
	if loaded[0].Attempt != 0 || loaded[1].Decision.Label != "SUCCESS" {
		t.Fatalf("unexpected records: %+v", loaded)
	}
	if loaded[0].Timestamp == "" {
		t.Fatal("append must stamp records")
	}
}

func TestAppendRedactsPromptAndOutput(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	err = writer.Append(Record{
		ScenarioID: "s1",
		Prompt:     "mail alice@example.com",
		Output:     "the api_key: sk-123 leaked",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	writer.Close()

	data, err := os.ReadFile(writer.Path())
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "alice@example.com") || strings.Contains(text, "sk-123") {
		t.Fatalf("trace leaked sensitive text: %s", text)
	}
	if !strings.Contains(text, "[REDACTED_EMAIL]") || !strings.Contains(text, "[REDACTED_SECRET]") {
		t.Fatalf("trace missing redaction markers: %s", text)
	}
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	summary := RunSummary{
		TotalScenarios: 3,
		SuccessfulRuns: 2,
		FailedRuns:     1,
		TotalCost:      0.05,
		TracePath:      filepath.Join(dir, "trace.jsonl"),
	}
	if err := WriteSummary(dir, summary); err != nil {
		t.Fatalf("write summary: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var loaded RunSummary
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if loaded.TotalScenarios != 3 || loaded.SuccessfulRuns != 2 || loaded.TotalCost != 0.05 {
		t.Fatalf("unexpected summary: %+v", loaded)
	}
	if loaded.GeneratedAt == "" {
		t.Fatal("summary must be stamped")
	}
}

func TestWriteHTMLReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.html")
	summary := RunSummary{TotalScenarios: 1, SuccessfulRuns: 1, TotalCost: 0.01}
	records := []Record{
		{Attempt: 0, ScenarioID: "s1", Model: "stub:echo", Prompt: "<script>alert(1)</script>", Output: "ok", Decision: Decision{Label: "SUCCESS", Score: 0.0}, Timestamp: "2026-01-01T00:00:00Z"},
	}
	if err := WriteHTMLReport(path, summary, records); err != nil {
		t.Fatalf("write html: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "Red-Team Run Report") || !strings.Contains(text, "s1") {
		t.Fatalf("report missing content: %s", text)
	}
	if strings.Contains(text, "<script>alert(1)</script>") {
		t.Fatal("report must escape record text")
	}
}
