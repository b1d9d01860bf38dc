// Command evidence renders a verification/provenance evidence report over
// a time window: ticket outcome rates, critical operational events
// (circuit breaks, reclaimed leases), and attestation coverage of
// completed steps, against a set of SLO gates.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SLOGates are the pass/fail thresholds a 7-day (or --mode final) window
// is checked against.
type SLOGates struct {
	VerificationFailurePctMax float64 `json:"verification_failure_pct_max"`
	CircuitOpenEventsMax      int     `json:"circuit_open_events_max"`
	UnattestedCompletionsMax  int     `json:"unattested_completions_max"`
}

// EvidenceMetrics is what collectMetrics gathers from the state store.
type EvidenceMetrics struct {
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
	Days        int    `json:"days"`

	TotalTickets int            `json:"total_tickets"`
	StatusCounts map[string]int `json:"status_counts"`

	VerificationFailures   int     `json:"verification_failures"`
	VerificationFailurePct float64 `json:"verification_failure_pct"`

	CompletedSteps        int `json:"completed_steps"`
	AttestedSteps         int `json:"attested_steps"`
	UnattestedCompletions int `json:"unattested_completions"`

	CriticalEventCounts map[string]int `json:"critical_event_counts"`
	CriticalEventTotal  int            `json:"critical_event_total"`
}

// EvidenceReport is the full evidence artifact written to disk.
type EvidenceReport struct {
	GeneratedAt string          `json:"generated_at"`
	Mode        string          `json:"mode"` // daily|final
	Date        string          `json:"date"`
	Owner       string          `json:"owner,omitempty"`
	Gates       SLOGates        `json:"gates"`
	Metrics     EvidenceMetrics `json:"metrics"`
	GateResults map[string]bool `json:"gate_results,omitempty"`
	OverallPass bool            `json:"overall_pass,omitempty"`
}

func main() {
	var (
		dbPath  = flag.String("db", "orchestra.db", "path to sqlite state db")
		outDir  = flag.String("out", "artifacts/evidence", "output directory for evidence artifacts")
		dateStr = flag.String("date", time.Now().Format("2006-01-02"), "anchor date (YYYY-MM-DD)")
		days    = flag.Int("days", 1, "window length in days (1 for daily; 7 for final)")
		mode    = flag.String("mode", "daily", "report mode: daily|final")
		owner   = flag.String("owner", "", "optional plan owner filter")
	)
	flag.Parse()

	date, err := time.Parse("2006-01-02", *dateStr)
	if err != nil {
		die("invalid --date: %v", err)
	}
	if *mode != "daily" && *mode != "final" {
		die("invalid --mode %q (expected daily|final)", *mode)
	}
	if *days <= 0 {
		die("--days must be > 0")
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		die("open db: %v", err)
	}
	defer db.Close()

	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(*days-1))
	end := time.Date(date.Year(), date.Month(), date.Day(), 23, 59, 59, 0, time.UTC)

	metrics, err := collectMetrics(db, start, end, *owner)
	if err != nil {
		die("collect metrics: %v", err)
	}

	gates := SLOGates{VerificationFailurePctMax: 5.0, CircuitOpenEventsMax: 2, UnattestedCompletionsMax: 0}
	report := EvidenceReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Mode:        *mode,
		Date:        *dateStr,
		Owner:       *owner,
		Gates:       gates,
		Metrics:     metrics,
	}

	if *mode == "final" || *days >= 7 {
		report.GateResults = map[string]bool{
			"verification_failure_pct": metrics.VerificationFailurePct <= gates.VerificationFailurePctMax,
			"circuit_open_events":      metrics.CriticalEventCounts["circuit.opened"] <= gates.CircuitOpenEventsMax,
			"unattested_completions":   metrics.UnattestedCompletions <= gates.UnattestedCompletionsMax,
		}
		report.OverallPass = report.GateResults["verification_failure_pct"] &&
			report.GateResults["circuit_open_events"] && report.GateResults["unattested_completions"]
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		die("mkdir out dir: %v", err)
	}

	base := fmt.Sprintf("evidence-%s-%s", *mode, *dateStr)
	jsonPath := filepath.Join(*outDir, base+".json")
	mdPath := filepath.Join(*outDir, base+".md")

	if err := writeJSON(jsonPath, report); err != nil {
		die("write json: %v", err)
	}
	if err := os.WriteFile(mdPath, []byte(renderMarkdown(report)), 0o644); err != nil {
		die("write markdown: %v", err)
	}

	fmt.Printf("Evidence written:\n- %s\n- %s\n", jsonPath, mdPath)
}

func collectMetrics(db *sql.DB, start, end time.Time, owner string) (EvidenceMetrics, error) {
	startMS := start.UnixMilli()
	endMS := end.UnixMilli()

	m := EvidenceMetrics{
		WindowStart:         start.Format(time.RFC3339),
		WindowEnd:           end.Format(time.RFC3339),
		Days:                int(end.Sub(start).Hours()/24) + 1,
		StatusCounts:        make(map[string]int),
		CriticalEventCounts: make(map[string]int),
	}

	ticketWhere := "t.started_at >= ? AND t.started_at <= ?"
	ticketArgs := []any{startMS, endMS}
	if owner != "" {
		ticketWhere += " AND p.owner = ?"
		ticketArgs = append(ticketArgs, owner)
	}

	rows, err := db.Query(
		"SELECT t.status, COUNT(*) FROM tickets t "+
			"JOIN steps s ON s.id = t.step_id JOIN plans p ON p.id = s.plan_id "+
			"WHERE "+ticketWhere+" GROUP BY t.status", ticketArgs...)
	if err != nil {
		return m, err
	}
	for rows.Next() {
		var s string
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			rows.Close()
			return m, err
		}
		m.StatusCounts[s] = c
		m.TotalTickets += c
	}
	rows.Close()

	m.VerificationFailures = m.StatusCounts["failed"]
	if m.TotalTickets > 0 {
		m.VerificationFailurePct = 100 * float64(m.VerificationFailures) / float64(m.TotalTickets)
	}

	stepWhere := "s.updated_at >= ? AND s.updated_at <= ? AND s.status = 'done'"
	stepArgs := []any{startMS, endMS}
	if owner != "" {
		stepWhere += " AND p.owner = ?"
		stepArgs = append(stepArgs, owner)
	}
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM steps s JOIN plans p ON p.id = s.plan_id WHERE "+stepWhere,
		stepArgs...,
	).Scan(&m.CompletedSteps); err != nil {
		return m, err
	}

	attestWhere := "a.created_at >= ? AND a.created_at <= ?"
	attestArgs := []any{startMS, endMS}
	if owner != "" {
		attestWhere += " AND p.owner = ?"
		attestArgs = append(attestArgs, owner)
	}
	if err := db.QueryRow(
		"SELECT COUNT(DISTINCT a.step_id) FROM attestations a "+
			"JOIN steps s ON s.id = a.step_id JOIN plans p ON p.id = s.plan_id WHERE "+attestWhere,
		attestArgs...,
	).Scan(&m.AttestedSteps); err != nil {
		return m, err
	}
	m.UnattestedCompletions = m.CompletedSteps - m.AttestedSteps
	if m.UnattestedCompletions < 0 {
		m.UnattestedCompletions = 0
	}

	critical := []string{"circuit.opened", "lease_reclaimed"}
	for _, ev := range critical {
		var c int
		q := "SELECT COUNT(*) FROM events WHERE ts >= ? AND ts <= ? AND type = ?"
		if err := db.QueryRow(q, startMS, endMS, ev).Scan(&c); err != nil {
			return m, err
		}
		m.CriticalEventCounts[ev] = c
		m.CriticalEventTotal += c
	}

	return m, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func renderMarkdown(r EvidenceReport) string {
	var sb strings.Builder
	sb.WriteString("# Verification Evidence\n\n")
	sb.WriteString(fmt.Sprintf("- Generated: `%s`\n", r.GeneratedAt))
	sb.WriteString(fmt.Sprintf("- Mode: `%s`\n", r.Mode))
	sb.WriteString(fmt.Sprintf("- Date: `%s`\n", r.Date))
	if r.Owner != "" {
		sb.WriteString(fmt.Sprintf("- Owner: `%s`\n", r.Owner))
	}
	sb.WriteString("\n## Window\n")
	sb.WriteString(fmt.Sprintf("- Start: `%s`\n- End: `%s`\n- Days: `%d`\n", r.Metrics.WindowStart, r.Metrics.WindowEnd, r.Metrics.Days))

	sb.WriteString("\n## Core Metrics\n")
	sb.WriteString(fmt.Sprintf("- Total tickets: **%d**\n", r.Metrics.TotalTickets))
	sb.WriteString(fmt.Sprintf("- Verification failures: **%d** (**%.2f%%**)\n", r.Metrics.VerificationFailures, r.Metrics.VerificationFailurePct))
	sb.WriteString(fmt.Sprintf("- Completed steps: **%d**\n", r.Metrics.CompletedSteps))
	sb.WriteString(fmt.Sprintf("- Attested steps: **%d**\n", r.Metrics.AttestedSteps))
	sb.WriteString(fmt.Sprintf("- Unattested completions: **%d**\n", r.Metrics.UnattestedCompletions))
	sb.WriteString(fmt.Sprintf("- Critical event total: **%d**\n", r.Metrics.CriticalEventTotal))

	sb.WriteString("\n## Ticket Status Breakdown\n")
	statuses := make([]string, 0, len(r.Metrics.StatusCounts))
	for k := range r.Metrics.StatusCounts {
		statuses = append(statuses, k)
	}
	sort.Strings(statuses)
	for _, k := range statuses {
		sb.WriteString(fmt.Sprintf("- %s: %d\n", k, r.Metrics.StatusCounts[k]))
	}

	sb.WriteString("\n## Critical Event Breakdown\n")
	evs := make([]string, 0, len(r.Metrics.CriticalEventCounts))
	for k := range r.Metrics.CriticalEventCounts {
		evs = append(evs, k)
	}
	sort.Strings(evs)
	for _, k := range evs {
		sb.WriteString(fmt.Sprintf("- %s: %d\n", k, r.Metrics.CriticalEventCounts[k]))
	}

	if len(r.GateResults) > 0 {
		sb.WriteString("\n## 7-Day Gate Evaluation\n")
		sb.WriteString(fmt.Sprintf("- Verification failure <= %.2f%%: **%v**\n", r.Gates.VerificationFailurePctMax, r.GateResults["verification_failure_pct"]))
		sb.WriteString(fmt.Sprintf("- Circuit-open events <= %d: **%v**\n", r.Gates.CircuitOpenEventsMax, r.GateResults["circuit_open_events"]))
		sb.WriteString(fmt.Sprintf("- Unattested completions <= %d: **%v**\n", r.Gates.UnattestedCompletionsMax, r.GateResults["unattested_completions"]))
		sb.WriteString(fmt.Sprintf("\n**Overall Pass:** `%v`\n", r.OverallPass))
	}
	return sb.String()
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
