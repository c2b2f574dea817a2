package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrospect-backend/internal/analyses"
	"retrospect-backend/internal/consolidate"
)

func TestParseVarsKeepsOrder(t *testing.T) {
	vars, err := parseVars([]string{"zeta=1", "alpha=a=b"})
	require.NoError(t, err)
	pairs := vars.Pairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, "zeta", pairs[0].Key)
	assert.Equal(t, "a=b", pairs[1].Value)

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
}

func TestWriteRequestsAndResult(t *testing.T) {
	color.NoColor = true
	msg := "boom"
	var buf bytes.Buffer
	err := writeRequests(&buf, []analyses.AnalysisRequest{{
		ID: "req-1", SessionID: "s-1", TemplateID: "session_summary",
		Status: analyses.StatusFailed, ErrorCode: "INTERNAL_ERROR", ErrorMessage: &msg,
		Attempts: 1, UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "req-1")
	assert.Contains(t, buf.String(), "INTERNAL_ERROR: boom")

	overall := 82.5
	buf.Reset()
	require.NoError(t, writeResult(&buf, analyses.AnalysisResult{
		Scores:             consolidate.Scores{Overall: &overall},
		ModelUsed:          "gemini-test",
		QualitativeEntries: []consolidate.Entry{{Key: "insights", Items: []string{"one"}}},
	}))
	out := buf.String()
	assert.Contains(t, out, "82.5")
	assert.Contains(t, out, "n/a")
	assert.Contains(t, out, "  - one")
}

func TestRootRegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"analyze", "status", "result", "cancel", "retry", "reconcile", "prompt", "templates", "list"} {
		assert.True(t, names[want], want)
	}
}
