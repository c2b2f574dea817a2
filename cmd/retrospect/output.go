package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"retrospect-backend/internal/analyses"
	"retrospect-backend/internal/consolidate"
	"retrospect-backend/internal/prompts"
)

var (
	errorColor     = color.New(color.FgRed, color.Bold)
	completedColor = color.New(color.FgGreen)
	failedColor    = color.New(color.FgRed)
	activeColor    = color.New(color.FgYellow)
	mutedColor     = color.New(color.FgHiBlack)
)

func statusLabel(s analyses.Status) string {
	switch s {
	case analyses.StatusCompleted:
		return completedColor.Sprint(string(s))
	case analyses.StatusFailed:
		return failedColor.Sprint(string(s))
	case analyses.StatusQueued, analyses.StatusProcessing:
		return activeColor.Sprint(string(s))
	default:
		return mutedColor.Sprint(string(s))
	}
}

func writeRequests(w io.Writer, reqs []analyses.AnalysisRequest) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Session", "Template", "Status", "Attempts", "Error", "Updated"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})

	data := make([][]string, 0, len(reqs))
	for _, r := range reqs {
		errText := r.ErrorCode
		if r.ErrorMessage != nil {
			errText = r.ErrorCode + ": " + *r.ErrorMessage
		}
		data = append(data, []string{
			r.ID,
			r.SessionID,
			r.TemplateID,
			statusLabel(r.Status),
			strconv.Itoa(r.Attempts),
			truncate(errText, 60),
			r.UpdatedAt.Format(time.RFC3339),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func writeResult(w io.Writer, res analyses.AnalysisResult) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Score", "Value"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})
	rows := [][]string{
		{"overall", formatScore(res.Scores.Overall)},
		{"code_quality", formatScore(res.Scores.CodeQuality)},
		{"productivity", formatScore(res.Scores.Productivity)},
		{"efficiency", formatScore(res.Scores.Efficiency)},
		{"collaboration", formatScore(res.Scores.Collaboration)},
		{"learning", formatScore(res.Scores.Learning)},
	}
	if err := table.Bulk(rows); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	m := res.Metrics
	fmt.Fprintf(w, "model %s, %d tokens, %.1f min session, %d ms\n",
		res.ModelUsed, m.TokensUsed, m.DurationMinutes, res.AnalysisDurationMs)
	writeEntries(w, res.QualitativeEntries)
	return nil
}

func writeEntries(w io.Writer, entries []consolidate.Entry) {
	for _, e := range entries {
		title := e.Title
		if title == "" {
			title = e.Key
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.New(color.Bold).Sprint(title))
		if e.Summary != "" {
			fmt.Fprintln(w, e.Summary)
		}
		for _, item := range e.Items {
			fmt.Fprintf(w, "  - %s\n", item)
		}
	}
}

func writeTemplates(w io.Writer, tpls []prompts.PromptTemplate) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Variables", "Created"})
	data := make([][]string, 0, len(tpls))
	for _, tpl := range tpls {
		names := make([]string, 0, len(tpl.Variables))
		for _, v := range tpl.Variables {
			if v.Required {
				names = append(names, v.Name+"*")
			} else {
				names = append(names, v.Name)
			}
		}
		created := ""
		if !tpl.CreatedAt.IsZero() {
			created = tpl.CreatedAt.Format(time.RFC3339)
		}
		data = append(data, []string{tpl.ID, strings.Join(names, ", "), created})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func formatScore(v *float64) string {
	if v == nil {
		return mutedColor.Sprint("n/a")
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
