package trace

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
)

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Red-Team Run Report</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem; color: #1a1a1a; }
h1 { font-size: 1.4rem; }
table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; vertical-align: top; font-size: 0.85rem; }
th { background: #f0f0f0; }
.success { color: #0a7d33; font-weight: 600; }
.fail { color: #b00020; font-weight: 600; }
.summary { margin-top: 0.5rem; }
.summary span { margin-right: 1.5rem; }
td.blob { max-width: 28rem; word-break: break-word; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>Red-Team Run Report</h1>
<div class="summary">
<span>Scenarios: {{.Summary.TotalScenarios}}</span>
<span class="success">Successful: {{.Summary.SuccessfulRuns}}</span>
<span class="fail">Failed: {{.Summary.FailedRuns}}</span>
<span>Total cost: ${{printf "%.2f" .Summary.TotalCost}}</span>
<span>Generated: {{.Summary.GeneratedAt}}</span>
</div>
<table>
<tr><th>#</th><th>Scenario</th><th>Category</th><th>Model</th><th>Prompt</th><th>Output</th><th>Decision</th><th>Timestamp</th></tr>
{{range .Records}}
<tr>
<td>{{.Attempt}}</td>
<td>{{.ScenarioID}}</td>
<td>{{.Category}}</td>
<td>{{.Model}}</td>
<td class="blob">{{.Prompt}}</td>
<td class="blob">{{.Output}}</td>
<td class="{{if eq .Decision.Score 0.0}}success{{else}}fail{{end}}">{{.Decision.Label}}{{if .Decision.Reason}} ({{.Decision.Reason}}){{end}}</td>
<td>{{.Timestamp}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`))

type reportData struct {
	Summary RunSummary
	Records []Record
}

// WriteHTMLReport renders the run as a standalone HTML page. Record text is
// already redacted at append time; the template escapes it on top of that.
func WriteHTMLReport(path string, summary RunSummary, records []Record) error {
	file, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}
	defer file.Close()

	if err := reportTemplate.Execute(file, reportData{Summary: summary, Records: records}); err != nil {
		return fmt.Errorf("render html report: %w", err)
	}
	return nil
}
