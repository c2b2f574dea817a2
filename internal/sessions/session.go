// Package sessions reads stored chat transcripts for analysis.
package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Message is one turn of a chat session.
type Message struct {
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// Session is a read-only chat transcript.
type Session struct {
	ID       string    `json:"id"`
	Provider string    `json:"provider"`
	Messages []Message `json:"messages"`
}

// Provider is the read-only source of chat sessions.
type Provider interface {
	GetSession(ctx context.Context, id string) (Session, error)
}

// Render formats one message for inclusion in a prompt.
func Render(m Message) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToLower(m.Role))
	b.WriteString("]")
	if !m.Timestamp.IsZero() {
		b.WriteString(" ")
		b.WriteString(m.Timestamp.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")
	b.WriteString(m.Content)
	return b.String()
}

// RenderedMessages renders each message in order.
func (s Session) RenderedMessages() []string {
	out := make([]string, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = Render(m)
	}
	return out
}

// Transcript renders the whole session as prompt text.
func (s Session) Transcript() string {
	return strings.Join(s.RenderedMessages(), "\n\n")
}

// DurationMinutes is the span between the first and last timestamped messages.
func (s Session) DurationMinutes() float64 {
	var first, last time.Time
	for _, m := range s.Messages {
		if m.Timestamp.IsZero() {
			continue
		}
		if first.IsZero() || m.Timestamp.Before(first) {
			first = m.Timestamp
		}
		if last.IsZero() || m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	if first.IsZero() {
		return 0
	}
	return last.Sub(first).Minutes()
}

// MemoryProvider serves sessions from memory.
type MemoryProvider struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryProvider(seed ...Session) *MemoryProvider {
	p := &MemoryProvider{sessions: make(map[string]Session, len(seed))}
	for _, s := range seed {
		p.sessions[s.ID] = s
	}
	return p
}

// Put adds or replaces a session.
func (p *MemoryProvider) Put(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.ID] = s
}

func (p *MemoryProvider) GetSession(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	return out, nil
}

var _ Provider = (*MemoryProvider)(nil)
