package consolidate

import (
	"encoding/json"
	"regexp"
	"strings"
)

const maxShortSummary = 100

var (
	fencePattern    = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\n?(.*?)\\s*```$")
	listItemPattern = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.*)$`)
)

// ParseChunkOutput interprets the model's text for one chunk. It accepts, in
// order: a JSON object with scores, metrics and entries; a SHORT_SUMMARY:/ITEMS:
// block; or free text, which becomes the summary of an entry keyed by fallbackKey.
func ParseChunkOutput(text, fallbackKey string) ChunkAnalysis {
	trimmed := strings.TrimSpace(text)
	if ca, ok := parseJSON(trimmed); ok {
		return ca
	}
	if ca, ok := parseSummaryBlock(trimmed, fallbackKey); ok {
		return ca
	}
	if trimmed == "" {
		return ChunkAnalysis{}
	}
	return ChunkAnalysis{Entries: []Entry{{Key: fallbackKey, Summary: trimmed, Items: []string{}}}}
}

func parseJSON(text string) (ChunkAnalysis, bool) {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if !strings.HasPrefix(text, "{") {
		return ChunkAnalysis{}, false
	}
	var ca ChunkAnalysis
	if err := json.Unmarshal([]byte(text), &ca); err != nil {
		return ChunkAnalysis{}, false
	}
	kept := ca.Entries[:0]
	for _, e := range ca.Entries {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}
		if e.Items == nil {
			e.Items = []string{}
		}
		kept = append(kept, e)
	}
	ca.Entries = kept
	return ca, true
}

func parseSummaryBlock(text, key string) (ChunkAnalysis, bool) {
	var summary string
	var items []string
	var inItems, found bool
	for _, line := range strings.Split(text, "\n") {
		l := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToUpper(l), "SHORT_SUMMARY:"):
			summary = strings.TrimSpace(l[len("SHORT_SUMMARY:"):])
			inItems = false
			found = true
		case strings.HasPrefix(strings.ToUpper(l), "ITEMS:"):
			inItems = true
			found = true
		case inItems && l != "":
			if m := listItemPattern.FindStringSubmatch(l); m != nil {
				if item := strings.TrimSpace(m[1]); item != "" {
					items = append(items, item)
				}
			}
		}
	}
	if !found {
		return ChunkAnalysis{}, false
	}
	if items == nil {
		items = []string{}
	}
	return ChunkAnalysis{Entries: []Entry{{
		Key:     key,
		Summary: truncateSummary(summary),
		Items:   items,
	}}}, true
}

func truncateSummary(s string) string {
	r := []rune(s)
	if len(r) <= maxShortSummary {
		return s
	}
	return string(r[:maxShortSummary-3]) + "..."
}
