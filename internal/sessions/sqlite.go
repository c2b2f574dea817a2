package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteProvider reads sessions from the transcript store that the import
// pipeline maintains. It never writes.
type SQLiteProvider struct {
	db *sqlx.DB
}

// OpenSQLite opens the transcript database at path read-only.
func OpenSQLite(path string) (*SQLiteProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sessions db path is required")
	}
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?mode=ro"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}
	return NewSQLiteProvider(db), nil
}

// NewSQLiteProvider wraps an open database handle.
func NewSQLiteProvider(db *sqlx.DB) *SQLiteProvider {
	return &SQLiteProvider{db: db}
}

func (p *SQLiteProvider) Close() error { return p.db.Close() }

type sessionRow struct {
	ID       string `db:"id"`
	Provider string `db:"provider"`
}

type messageRow struct {
	Role      string `db:"role"`
	Content   string `db:"content"`
	Timestamp string `db:"timestamp"`
}

func (p *SQLiteProvider) GetSession(ctx context.Context, id string) (Session, error) {
	var row sessionRow
	err := p.db.GetContext(ctx, &row, `SELECT id, provider FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}

	var rows []messageRow
	err = p.db.SelectContext(ctx, &rows, `
SELECT role, content, timestamp
FROM messages
WHERE session_id = ?
ORDER BY sequence_number`, id)
	if err != nil {
		return Session{}, fmt.Errorf("load messages for %s: %w", id, err)
	}

	s := Session{ID: row.ID, Provider: row.Provider, Messages: make([]Message, 0, len(rows))}
	for _, r := range rows {
		s.Messages = append(s.Messages, Message{
			Role:      r.Role,
			Content:   r.Content,
			Timestamp: parseTimestamp(r.Timestamp),
		})
	}
	return s, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(v string) time.Time {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

var _ Provider = (*SQLiteProvider)(nil)
