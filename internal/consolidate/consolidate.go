// Package consolidate merges per-chunk analyses into one deterministic result.
package consolidate

import (
	"errors"
	"math"
	"sort"
)

// Score bounds.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// DefaultMaxItems caps items per entry when Options leaves it unset.
const DefaultMaxItems = 10

// Scores holds bounded numeric scores. Nil means the chunk did not report it.
type Scores struct {
	Overall       *float64 `json:"overall,omitempty"`
	CodeQuality   *float64 `json:"code_quality,omitempty"`
	Productivity  *float64 `json:"productivity,omitempty"`
	Efficiency    *float64 `json:"efficiency,omitempty"`
	Collaboration *float64 `json:"collaboration,omitempty"`
	Learning      *float64 `json:"learning,omitempty"`
}

func (s *Scores) fields() []**float64 {
	return []**float64{&s.Overall, &s.CodeQuality, &s.Productivity, &s.Efficiency, &s.Collaboration, &s.Learning}
}

// Metrics are usage counters for a session or a chunk of it.
type Metrics struct {
	FilesModified   int     `json:"files_modified"`
	FilesRead       int     `json:"files_read"`
	LinesAdded      int     `json:"lines_added"`
	LinesRemoved    int     `json:"lines_removed"`
	TokensUsed      int     `json:"tokens_used"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// Entry is one qualitative section of an analysis.
type Entry struct {
	Key     string   `json:"key"`
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Items   []string `json:"items"`
}

// ChunkAnalysis is the parsed output of one chunk call.
type ChunkAnalysis struct {
	Scores  Scores  `json:"scores"`
	Metrics Metrics `json:"metrics"`
	Entries []Entry `json:"entries"`
}

// Weighted pairs a chunk analysis with its weight, normally its estimated tokens.
type Weighted struct {
	Analysis ChunkAnalysis
	Weight   float64
}

// Options tunes consolidation.
type Options struct {
	MaxItems int
}

// ErrNoChunks is returned when there is nothing to consolidate.
var ErrNoChunks = errors.New("no chunk outputs to consolidate")

// Consolidate merges chunk outputs. A single chunk keeps its metrics but its
// scores are still bounded and its items deduplicated and capped.
func Consolidate(outputs []Weighted, opts Options) (ChunkAnalysis, error) {
	if len(outputs) == 0 {
		return ChunkAnalysis{}, ErrNoChunks
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if len(outputs) == 1 {
		one := []float64{1}
		out := outputs[0].Analysis
		out.Scores = mergeScores(outputs, one)
		out.Entries = mergeEntries(outputs, one, maxItems)
		return out, nil
	}

	weights := normalizedWeights(outputs)
	var out ChunkAnalysis
	out.Scores = mergeScores(outputs, weights)
	out.Metrics = mergeMetrics(outputs, weights)
	out.Entries = mergeEntries(outputs, weights, maxItems)
	return out, nil
}

// normalizedWeights treats negative weights as zero and falls back to equal
// weights when all are zero.
func normalizedWeights(outputs []Weighted) []float64 {
	w := make([]float64, len(outputs))
	var total float64
	for i, o := range outputs {
		if o.Weight > 0 && !math.IsInf(o.Weight, 0) && !math.IsNaN(o.Weight) {
			w[i] = o.Weight
			total += o.Weight
		}
	}
	if total == 0 {
		for i := range w {
			w[i] = 1
		}
	}
	return w
}

func mergeScores(outputs []Weighted, weights []float64) Scores {
	var merged Scores
	dst := merged.fields()
	for f := range dst {
		var sum, wsum float64
		for i := range outputs {
			src := outputs[i].Analysis.Scores
			v := *src.fields()[f]
			if v == nil || math.IsNaN(*v) {
				continue
			}
			sum += clamp(*v) * weights[i]
			wsum += weights[i]
		}
		if wsum == 0 {
			// Every reporting chunk had zero weight.
			var n float64
			for i := range outputs {
				src := outputs[i].Analysis.Scores
				if v := *src.fields()[f]; v != nil && !math.IsNaN(*v) {
					sum += clamp(*v)
					n++
				}
			}
			if n == 0 {
				continue
			}
			wsum = n
		}
		mean := sum / wsum
		*dst[f] = &mean
	}
	return merged
}

func mergeMetrics(outputs []Weighted, weights []float64) Metrics {
	var m Metrics
	var dur, wsum float64
	for i, o := range outputs {
		cm := o.Analysis.Metrics
		m.FilesModified += cm.FilesModified
		m.FilesRead += cm.FilesRead
		m.LinesAdded += cm.LinesAdded
		m.LinesRemoved += cm.LinesRemoved
		m.TokensUsed += cm.TokensUsed
		dur += cm.DurationMinutes * weights[i]
		wsum += weights[i]
	}
	if wsum > 0 {
		m.DurationMinutes = dur / wsum
	}
	return m
}

type entryAcc struct {
	entry       Entry
	summaryW    float64
	hasSummary  bool
	itemOrder   []string
	itemChunks  map[string]int
	lastChunkOf map[string]int
}

func mergeEntries(outputs []Weighted, weights []float64, maxItems int) []Entry {
	var order []string
	byKey := make(map[string]*entryAcc)
	for ci, o := range outputs {
		for _, e := range o.Analysis.Entries {
			acc, ok := byKey[e.Key]
			if !ok {
				acc = &entryAcc{
					entry:       Entry{Key: e.Key},
					itemChunks:  make(map[string]int),
					lastChunkOf: make(map[string]int),
				}
				byKey[e.Key] = acc
				order = append(order, e.Key)
			}
			if acc.entry.Title == "" {
				acc.entry.Title = e.Title
			}
			if e.Summary != "" && (!acc.hasSummary || weights[ci] > acc.summaryW) {
				acc.entry.Summary = e.Summary
				acc.summaryW = weights[ci]
				acc.hasSummary = true
			}
			for _, item := range e.Items {
				last, seen := acc.lastChunkOf[item]
				if !seen {
					acc.itemOrder = append(acc.itemOrder, item)
				}
				if !seen || last != ci {
					acc.itemChunks[item]++
					acc.lastChunkOf[item] = ci
				}
			}
		}
	}

	out := make([]Entry, 0, len(order))
	for _, key := range order {
		acc := byKey[key]
		acc.entry.Items = selectItems(acc.itemOrder, acc.itemChunks, maxItems)
		out = append(out, acc.entry)
	}
	return out
}

// selectItems keeps the maxItems items seen in the most chunks, ties broken by
// first appearance, and returns them in first-seen order.
func selectItems(order []string, freq map[string]int, maxItems int) []string {
	if len(order) <= maxItems {
		return append([]string{}, order...)
	}
	idx := make([]int, len(order))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return freq[order[idx[a]]] > freq[order[idx[b]]]
	})
	keep := idx[:maxItems]
	sort.Ints(keep)
	out := make([]string, 0, maxItems)
	for _, i := range keep {
		out = append(out, order[i])
	}
	return out
}

func clamp(v float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, v))
}
