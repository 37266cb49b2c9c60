package retrieval

import (
	"sort"
	"strings"
	"unicode"

	"clinrag/pkg/types"
)

// Highlight span kinds, in ascending precedence when spans overlap.
const (
	HighlightFuzzy  = "fuzzy"
	HighlightExact  = "exact"
	HighlightEntity = "entity"
)

var highlightRank = map[string]int{
	HighlightFuzzy:  0,
	HighlightExact:  1,
	HighlightEntity: 2,
}

// Highlighter marks where a query's terms and entities appear in chunk text.
type Highlighter struct{}

// NewHighlighter returns a span highlighter.
func NewHighlighter() *Highlighter { return &Highlighter{} }

// Highlight finds spans in text matching the structured query. Entity
// matches win over exact token matches, which win over fuzzy matches;
// overlapping spans of the same kind are merged.
func (h *Highlighter) Highlight(text string, query *types.StructuredQuery) []types.HighlightSpan {
	if text == "" || query == nil {
		return nil
	}
	lower := strings.ToLower(text)

	var spans []types.HighlightSpan
	for _, ent := range query.Entities {
		for _, needle := range entityNeedles(ent) {
			spans = append(spans, findSubstrings(lower, needle, HighlightEntity)...)
		}
	}
	tokens := queryTokens(query.OriginalQuery)
	for _, tok := range tokens {
		spans = append(spans, findSubstrings(lower, tok, HighlightExact)...)
	}
	spans = append(spans, fuzzySpans(text, tokens)...)

	return mergeSpans(spans)
}

// entityNeedles yields the surface and normalized forms worth matching.
func entityNeedles(ent types.Entity) []string {
	needles := []string{strings.ToLower(ent.Text)}
	norm := strings.ToLower(ent.Normalized)
	if norm != "" && norm != needles[0] {
		needles = append(needles, norm)
	}
	return needles
}

// queryTokens splits a question into lowercase word tokens of at least
// three characters, the minimum length worth highlighting.
func queryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

func findSubstrings(lowerText, lowerNeedle, kind string) []types.HighlightSpan {
	if lowerNeedle == "" {
		return nil
	}
	var spans []types.HighlightSpan
	offset := 0
	for {
		i := strings.Index(lowerText[offset:], lowerNeedle)
		if i < 0 {
			return spans
		}
		start := offset + i
		spans = append(spans, types.HighlightSpan{
			Start: start,
			End:   start + len(lowerNeedle),
			Kind:  kind,
		})
		offset = start + len(lowerNeedle)
	}
}

// fuzzySpans matches text words against query tokens within edit distance 2.
// Exact matches are skipped here; findSubstrings already covers them.
func fuzzySpans(text string, tokens []string) []types.HighlightSpan {
	if len(tokens) == 0 {
		return nil
	}
	var spans []types.HighlightSpan
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		word := strings.ToLower(text[start:end])
		if len(word) >= 3 {
			for _, tok := range tokens {
				if word == tok {
					break
				}
				if levenshtein(word, tok) <= 2 {
					spans = append(spans, types.HighlightSpan{Start: start, End: end, Kind: HighlightFuzzy})
					break
				}
			}
		}
		start = -1
	}
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))
	return spans
}

// levenshtein computes edit distance with a two-row table. Inputs are short
// word tokens, so the quadratic cost is fine.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(ra)+1)
	curr := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}
	for j := 1; j <= len(rb); j++ {
		curr[0] = j
		for i := 1; i <= len(ra); i++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[i] = min3(prev[i]+1, curr[i-1]+1, prev[i-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(ra)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// mergeSpans sorts spans, drops spans fully shadowed by a higher-precedence
// overlap, and merges overlapping or adjacent spans of the same kind.
func mergeSpans(spans []types.HighlightSpan) []types.HighlightSpan {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return highlightRank[spans[i].Kind] > highlightRank[spans[j].Kind]
	})

	// Drop lower-precedence spans that overlap a higher-precedence one.
	kept := spans[:0]
	for _, s := range spans {
		shadowed := false
		for _, other := range spans {
			if other == s || highlightRank[other.Kind] <= highlightRank[s.Kind] {
				continue
			}
			if other.Start < s.End && s.Start < other.End {
				shadowed = true
				break
			}
		}
		if !shadowed {
			kept = append(kept, s)
		}
	}

	merged := []types.HighlightSpan{kept[0]}
	for _, s := range kept[1:] {
		last := &merged[len(merged)-1]
		if s.Kind == last.Kind && s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
