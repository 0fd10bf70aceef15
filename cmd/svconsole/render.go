package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/loykin/svconsole/pkg/client"
)

// newTable creates a table with standard styling
func newTable(w io.Writer, headers ...string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	row := make(table.Row, len(headers))
	for i, h := range headers {
		row[i] = text.FgHiCyan.Sprint(h)
	}
	t.AppendHeader(row)
	return t
}

func statusColor(status string) string {
	switch status {
	case "running":
		return text.FgGreen.Sprint(status)
	case "starting":
		return text.FgYellow.Sprint(status)
	case "error", "unknown":
		return text.FgRed.Sprint(status)
	default:
		return text.FgHiBlack.Sprint(status)
	}
}

func levelColor(level string) string {
	switch level {
	case "success":
		return text.FgGreen.Sprint(level)
	case "warning":
		return text.FgYellow.Sprint(level)
	case "error":
		return text.FgRed.Sprint(level)
	default:
		return text.FgBlue.Sprint(level)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func pidCell(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func renderRecords(w io.Writer, recs []client.ServiceRecord) {
	t := newTable(w, "SERVICE", "STATUS", "PID", "LAST ERROR", "LAST OUTPUT", "UPDATED")
	for _, r := range recs {
		updated := "-"
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.Local().Format("15:04:05")
		}
		t.AppendRow(table.Row{r.Name, statusColor(r.Status), pidCell(r.PID), truncate(r.LastError, 60), truncate(r.LastOutput, 60), updated})
	}
	t.Render()
}

func renderPorts(w io.Writer, ports map[int]client.PortStatus) {
	keys := make([]int, 0, len(ports))
	for p := range ports {
		keys = append(keys, p)
	}
	sort.Ints(keys)
	t := newTable(w, "PORT", "STATUS")
	for _, p := range keys {
		t.AppendRow(table.Row{p, statusColor(ports[p].Status)})
	}
	t.Render()
}

func renderProcesses(w io.Writer, procs map[string]client.ProcessStatus) {
	names := make([]string, 0, len(procs))
	for n := range procs {
		names = append(names, n)
	}
	sort.Strings(names)
	t := newTable(w, "SERVICE", "STATUS", "PID", "RSS", "CPU%")
	for _, n := range names {
		p := procs[n]
		rss := "-"
		if p.MemoryRSS > 0 {
			rss = fmt.Sprintf("%.1f MiB", float64(p.MemoryRSS)/(1<<20))
		}
		t.AppendRow(table.Row{n, statusColor(p.Status), pidCell(p.PID), rss, fmt.Sprintf("%.1f", p.CPUPercent)})
	}
	t.Render()
}

func renderRecommendations(w io.Writer, recs []string) {
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(w, text.FgGreen.Sprint("no problems found"))
		return
	}
	for i, r := range recs {
		_, _ = fmt.Fprintf(w, "  %d. %s\n", i+1, r)
	}
}

func renderReport(w io.Writer, r client.DiagnosticsReport) {
	backend := text.FgRed.Sprint("disconnected")
	if r.BackendConnected {
		backend = text.FgGreen.Sprint("connected")
	}
	_, _ = fmt.Fprintf(w, "%s %s  %s %s\n",
		text.FgHiBlue.Sprint("Report:"), r.ID,
		text.FgHiBlue.Sprint("Backend:"), backend)

	recs := make([]client.ServiceRecord, 0, len(r.Services))
	for _, rec := range r.Services {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	renderRecords(w, recs)
	renderPorts(w, r.PortStatuses)
	renderProcesses(w, r.Processes)
	_, _ = fmt.Fprintln(w, text.FgHiBlue.Sprint("Recommendations:"))
	renderRecommendations(w, r.Recommendations)
}

func renderLogs(w io.Writer, entries []client.LogEntry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, text.FgYellow.Sprint("console log is empty"))
		return
	}
	t := newTable(w, "TIME", "SOURCE", "LEVEL", "MESSAGE")
	for _, e := range entries {
		t.AppendRow(table.Row{e.Timestamp.Local().Format("15:04:05.000"), e.Source, levelColor(e.Level), e.Message})
	}
	t.Render()
}
