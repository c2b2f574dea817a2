package prompts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTemplateNotFound is returned when no template has the requested id.
var ErrTemplateNotFound = errors.New("template not found")

// Store persists prompt templates.
type Store interface {
	Get(ctx context.Context, id string) (PromptTemplate, error)
	List(ctx context.Context) ([]PromptTemplate, error)
	Save(ctx context.Context, tpl PromptTemplate) error
}

// MemoryStore keeps templates in memory and is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]PromptTemplate
}

// NewMemoryStore constructs a MemoryStore holding seed.
func NewMemoryStore(seed ...PromptTemplate) *MemoryStore {
	s := &MemoryStore{byID: make(map[string]PromptTemplate, len(seed))}
	for _, tpl := range seed {
		s.byID[tpl.ID] = tpl
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, id string) (PromptTemplate, error) {
	if err := ctx.Err(); err != nil {
		return PromptTemplate{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.byID[id]
	if !ok {
		return PromptTemplate{}, ErrTemplateNotFound
	}
	return tpl, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]PromptTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PromptTemplate, 0, len(s.byID))
	for _, tpl := range s.byID {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save validates and stores tpl, replacing any template with the same id.
func (s *MemoryStore) Save(ctx context.Context, tpl PromptTemplate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tpl.Validate(); err != nil {
		return err
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[tpl.ID] = tpl
	return nil
}

var _ Store = (*MemoryStore)(nil)
