package prompts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGStoreGetDecodesVariables(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	created := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "template", "variables", "created_at"}).
		AddRow("session_summary", "Analyze {chat_content}", `[{"name":"chat_content","required":true}]`, created)
	mock.ExpectQuery("SELECT id, template, variables, created_at FROM prompt_templates").
		WithArgs("session_summary").
		WillReturnRows(rows)

	store := &PGStore{DB: db}
	tpl, err := store.Get(context.Background(), "session_summary")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(tpl.Variables) != 1 || tpl.Variables[0].Name != "chat_content" || !tpl.Variables[0].Required {
		t.Fatalf("unexpected variables: %+v", tpl.Variables)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("SELECT id, template, variables, created_at FROM prompt_templates").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "template", "variables", "created_at"}))

	store := &PGStore{DB: db}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestPGStoreSaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("INSERT INTO prompt_templates").
		WithArgs("custom", "Review {chat_content}", `[{"name":"chat_content","required":true}]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := &PGStore{DB: db}
	err = store.Save(context.Background(), PromptTemplate{
		ID:        "custom",
		Template:  "Review {chat_content}",
		Variables: []Variable{{Name: "chat_content", Required: true}},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestSeedBuiltinsSkipsExisting(t *testing.T) {
	existing := PromptTemplate{ID: SessionSummaryID, Template: "custom {chat_content}", Variables: []Variable{{Name: ChatContentVariable, Required: true}}}
	store := NewMemoryStore(existing)

	if err := SeedBuiltins(context.Background(), store); err != nil {
		t.Fatalf("SeedBuiltins: %v", err)
	}
	got, err := store.Get(context.Background(), SessionSummaryID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Template != existing.Template {
		t.Fatalf("expected existing template to be kept")
	}
	if _, err := store.Get(context.Background(), SessionScoresID); err != nil {
		t.Fatalf("expected %s to be seeded: %v", SessionScoresID, err)
	}
}
