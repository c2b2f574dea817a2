// Package chunking splits a rendered transcript into token-bounded chunks.
package chunking

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SafetyMarginPercent is the share of the per-chunk budget held back for estimate error.
const SafetyMarginPercent = 20

const messageSeparator = "\n\n"

var (
	// ErrChunkTooLarge is returned when one message alone exceeds the chunk budget.
	ErrChunkTooLarge = errors.New("chunk too large")
	// ErrInvalidBudget is returned when overhead and margin leave no room for content.
	ErrInvalidBudget = errors.New("chunk budget leaves no room for content")
)

// Chunk is one token-bounded slice of a transcript.
type Chunk struct {
	Index int
	Text  string
	// OverlapWithPrevious counts leading messages carried over from the previous chunk.
	OverlapWithPrevious int
	EstimatedTokens     int
	// Start and End bound the message indices covered, End exclusive.
	Start int
	End   int
}

// Options configures Plan.
type Options struct {
	MaxTokensPerChunk int
	PromptOverhead    int
	OverlapMessages   int
}

// EstimateTokens approximates token count as characters divided by four, rounded up.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// SafetyMargin returns the margin held back from maxTokens.
func SafetyMargin(maxTokens int) int {
	return (maxTokens*SafetyMarginPercent + 99) / 100
}

// Budget returns the content tokens available per chunk.
func (o Options) Budget() int {
	return o.MaxTokensPerChunk - o.PromptOverhead - SafetyMargin(o.MaxTokensPerChunk)
}

// TooLargeError identifies the message that cannot fit in any chunk.
type TooLargeError struct {
	MessageIndex    int
	EstimatedTokens int
	Budget          int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("chunk too large: message %d needs ~%d tokens, budget is %d", e.MessageIndex, e.EstimatedTokens, e.Budget)
}

func (e *TooLargeError) Is(target error) bool { return target == ErrChunkTooLarge }

// Plan groups messages into chunks in order. A message is never split. Each
// chunk after the first starts with up to OverlapMessages trailing messages of
// the previous chunk; the carried set shrinks from its oldest end only when it
// would not fit together with the next new message. An empty transcript yields
// a single empty chunk.
func Plan(messages []string, opts Options) ([]Chunk, error) {
	budget := opts.Budget()
	if budget <= 0 {
		return nil, fmt.Errorf("%w: max=%d overhead=%d", ErrInvalidBudget, opts.MaxTokensPerChunk, opts.PromptOverhead)
	}
	if len(messages) == 0 {
		return []Chunk{{Index: 0}}, nil
	}

	estimates := make([]int, len(messages))
	for i, m := range messages {
		estimates[i] = EstimateTokens(m)
		if estimates[i] > budget {
			return nil, &TooLargeError{MessageIndex: i, EstimatedTokens: estimates[i], Budget: budget}
		}
	}

	overlapK := opts.OverlapMessages
	if overlapK < 0 {
		overlapK = 0
	}

	var chunks []Chunk
	start, overlap, tokens := 0, 0, 0
	for i := range messages {
		if tokens+estimates[i] <= budget {
			tokens += estimates[i]
			continue
		}
		chunks = append(chunks, buildChunk(len(chunks), messages, start, i, overlap, tokens))

		seed := overlapK
		if seed > i-start {
			seed = i - start
		}
		seedTokens := sum(estimates[i-seed : i])
		for seed > 0 && seedTokens+estimates[i] > budget {
			seedTokens -= estimates[i-seed]
			seed--
		}
		start, overlap, tokens = i-seed, seed, seedTokens+estimates[i]
	}
	chunks = append(chunks, buildChunk(len(chunks), messages, start, len(messages), overlap, tokens))
	return chunks, nil
}

func buildChunk(index int, messages []string, start, end, overlap, tokens int) Chunk {
	return Chunk{
		Index:               index,
		Text:                strings.Join(messages[start:end], messageSeparator),
		OverlapWithPrevious: overlap,
		EstimatedTokens:     tokens,
		Start:               start,
		End:                 end,
	}
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}
