package prompts

import (
	"context"
	"errors"
	"fmt"

	_ "embed"
)

// Built-in template identifiers.
const (
	SessionSummaryID = "session_summary"
	SessionScoresID  = "session_scores"

	// ChatContentVariable carries the rendered transcript.
	ChatContentVariable = "chat_content"
)

var (
	//go:embed templates/session_summary.txt
	sessionSummaryText string
	//go:embed templates/session_scores.txt
	sessionScoresText string
)

// Builtins returns the templates shipped with the binary.
func Builtins() []PromptTemplate {
	focus := "overall collaboration quality"
	return []PromptTemplate{
		{
			ID:       SessionSummaryID,
			Template: sessionSummaryText,
			Variables: []Variable{
				{Name: ChatContentVariable, Required: true},
				{Name: "focus", Default: &focus},
			},
		},
		{
			ID:       SessionScoresID,
			Template: sessionScoresText,
			Variables: []Variable{
				{Name: ChatContentVariable, Required: true},
			},
		},
	}
}

// SeedBuiltins saves each built-in template that the store does not hold yet.
func SeedBuiltins(ctx context.Context, store Store) error {
	for _, tpl := range Builtins() {
		_, err := store.Get(ctx, tpl.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrTemplateNotFound) {
			return fmt.Errorf("lookup template %s: %w", tpl.ID, err)
		}
		if err := store.Save(ctx, tpl); err != nil {
			return fmt.Errorf("seed template %s: %w", tpl.ID, err)
		}
	}
	return nil
}
