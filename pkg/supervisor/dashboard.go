package supervisor

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"sort"
	"time"
)

// DashboardData feeds the HTML renderer.
type DashboardData struct {
	GeneratedAt time.Time
	Agents      []AgentHealth
	Report      ReconcileReport
}

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"money": func(v float64) string { return fmt.Sprintf("$%.2f", v) },
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Collections Dashboard</title>
<style>
body { font-family: Arial, sans-serif; margin: 2em; color: #333; }
h1 { color: #2c5aa0; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #ddd; padding: 8px 14px; text-align: left; }
th { background: #f4f6f8; }
.healthy { color: #2e7d32; }
.unhealthy, .escalated { color: #c62828; font-weight: bold; }
.restarting { color: #ef6c00; }
</style>
</head>
<body>
<h1>Collections Dashboard</h1>
<p>Generated {{ts .GeneratedAt}}</p>

<h2>Agents</h2>
<table>
<tr><th>Agent</th><th>Status</th><th>Last heartbeat</th><th>Missed</th><th>Restarts</th></tr>
{{range .Agents}}
<tr>
<td>{{.Name}}</td>
<td class="{{.Status}}">{{.Status}}</td>
<td>{{ts .LastHeartbeat}}</td>
<td>{{.MissedBeats}}</td>
<td>{{.Restarts}}</td>
</tr>
{{end}}
</table>

<h2>State</h2>
<table>
<tr><th>Unpaid invoices</th><td>{{.Report.Invoices.UnpaidCount}}</td></tr>
<tr><th>Unpaid total</th><td>{{money .Report.Invoices.UnpaidTotal}}</td></tr>
<tr><th>State file errors</th><td>{{.Report.Invoices.ErrorCount}}</td></tr>
<tr><th>Ledger reconciliation</th><td>{{if .Report.Ledger.Passed}}passed{{else}}discrepancy {{money .Report.Ledger.Discrepancy}}{{end}}</td></tr>
</table>

<h2>Queues</h2>
<table>
<tr><th>Recipient</th><th>Depth</th></tr>
{{range $name, $depth := .Report.Queues.Depths}}
<tr><td>{{$name}}</td><td>{{$depth}}</td></tr>
{{end}}
</table>
</body>
</html>
`))

// RenderDashboard produces the HTML overview.
func RenderDashboard(agents map[string]AgentHealth, report ReconcileReport, now time.Time) ([]byte, error) {
	data := DashboardData{GeneratedAt: now, Report: report}
	for _, h := range agents {
		data.Agents = append(data.Agents, h)
	}
	sort.Slice(data.Agents, func(i, j int) bool { return data.Agents[i].Name < data.Agents[j].Name })

	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render dashboard: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDashboard renders and atomically replaces the file at path.
func WriteDashboard(path string, agents map[string]AgentHealth, report ReconcileReport, now time.Time) error {
	html, err := RenderDashboard(agents, report, now)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, html, 0o600); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace dashboard: %w", err)
	}
	return nil
}
