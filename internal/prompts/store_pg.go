package prompts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore implements Store using Postgres.
type PGStore struct {
	DB *sql.DB
}

func (s *PGStore) Get(ctx context.Context, id string) (PromptTemplate, error) {
	const query = `
SELECT id, template, variables, created_at
FROM prompt_templates
WHERE id = $1
LIMIT 1`
	tpl, err := scanTemplate(s.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromptTemplate{}, ErrTemplateNotFound
		}
		return PromptTemplate{}, err
	}
	return tpl, nil
}

func (s *PGStore) List(ctx context.Context) ([]PromptTemplate, error) {
	const query = `
SELECT id, template, variables, created_at
FROM prompt_templates
ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PromptTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// Save validates and upserts tpl.
func (s *PGStore) Save(ctx context.Context, tpl PromptTemplate) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}
	vars, err := json.Marshal(tpl.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	const query = `
INSERT INTO prompt_templates (id, template, variables, created_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (id) DO UPDATE
SET template = EXCLUDED.template,
    variables = EXCLUDED.variables`
	_, err = s.DB.ExecContext(ctx, query, tpl.ID, tpl.Template, string(vars), tpl.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (PromptTemplate, error) {
	var tpl PromptTemplate
	var vars sql.NullString
	if err := row.Scan(&tpl.ID, &tpl.Template, &vars, &tpl.CreatedAt); err != nil {
		return PromptTemplate{}, err
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &tpl.Variables); err != nil {
			return PromptTemplate{}, fmt.Errorf("decode variables for %s: %w", tpl.ID, err)
		}
	}
	return tpl, nil
}

var _ Store = (*PGStore)(nil)
