// Package trace persists experiment attempts as JSON Lines and renders
// run summaries for offline analysis.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"redteamer/internal/redact"
)

// Decision mirrors the judge verdict inside a trace record.
type Decision struct {
	Label  string  `json:"label"`
	Reason string  `json:"reason,omitempty"`
	Score  float64 `json:"score"`
}

// Record is one persisted attempt. Prompt and output are stored redacted.
type Record struct {
	Attempt    int            `json:"attempt"`
	ScenarioID string         `json:"scenario_id"`
	Category   string         `json:"category,omitempty"`
	Prompt     string         `json:"prompt"`
	Model      string         `json:"model"`
	Output     string         `json:"output"`
	Decision   Decision       `json:"decision"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunSummary aggregates one batch of scenario runs.
type RunSummary struct {
	TotalScenarios int     `json:"total_scenarios"`
	SuccessfulRuns int     `json:"successful_runs"`
	FailedRuns     int     `json:"failed_runs"`
	TotalCost      float64 `json:"total_cost"`
	TracePath      string  `json:"trace_path"`
	GeneratedAt    string  `json:"generated_at"`
}

// Writer appends records to a trace.jsonl file. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWriter creates the report directory and opens trace.jsonl for append.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	path := filepath.Join(dir, "trace.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Writer{file: file, path: path}, nil
}

// Path returns the trace file location for inclusion in summaries.
func (w *Writer) Path() string {
	return w.path
}

// Append redacts the record's prompt and output, stamps it, and writes one
// JSON line.
func (w *Writer) Append(record Record) error {
	record.Prompt = redact.Redact(record.Prompt)
	record.Output = redact.Redact(record.Output)
	if record.Timestamp == "" {
		record.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// WriteSummary stores summary.json next to the trace file.
func WriteSummary(dir string, summary RunSummary) error {
	if summary.GeneratedAt == "" {
		summary.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	path := filepath.Join(dir, "summary.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// ReadRecords loads every record from a trace.jsonl file, skipping blank
// lines. Used by the HTML report renderer and by analysis tooling.
func ReadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	records := []Record{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			return nil, fmt.Errorf("decode trace record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}
