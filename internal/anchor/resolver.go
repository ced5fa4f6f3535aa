package anchor

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"clm/api/internal/dom"

	"golang.org/x/net/html"
)

// Strategy names the step of the cascade that produced a resolution.
type Strategy string

const (
	StrategyExact      Strategy = "exact"
	StrategyStructural Strategy = "structural"
	StrategyContext    Strategy = "context"
	StrategyFuzzy      Strategy = "fuzzy"
	StrategyFallback   Strategy = "fallback"
)

const (
	structuralThreshold = 0.9
	contextThreshold    = 0.6
	fuzzyGap            = 100
)

// Resolution is the live range an anchor currently points at.
type Resolution struct {
	Range    dom.Range
	Strategy Strategy
	// Degraded marks a forced fallback: the range sits where the text used
	// to be but was never matched against it.
	Degraded bool
	Score    float64
}

type strategyFunc func(root *html.Node, flat *dom.Flat, a Anchor) (Resolution, bool)

var cascade = []strategyFunc{
	resolveExact,
	resolveStructural,
	resolveContext,
	resolveFuzzy,
}

// Resolve finds the best live range for a in the current tree. It tries the
// strategies from exact to fuzzy and otherwise falls back to whatever text
// occupies the anchor's last known location, so a non-empty document always
// yields a range. Resolution holds no state between calls.
func Resolve(root *html.Node, a Anchor) (Resolution, error) {
	if root == nil {
		return Resolution{}, dom.ErrNoContainer
	}
	flat := dom.Flatten(root)
	if flat.Len() == 0 {
		return Resolution{}, ErrEmptyDocument
	}
	if a.Text != "" {
		for _, try := range cascade {
			if res, ok := try(root, flat, a); ok {
				return res, nil
			}
		}
	}
	return resolveFallback(root, flat, a)
}

func resolveExact(_ *html.Node, flat *dom.Flat, a Anchor) (Resolution, bool) {
	n := runeCount(a.Text)
	if a.AbsolutePos < 0 || a.AbsolutePos+n > flat.Len() {
		return Resolution{}, false
	}
	if flat.Slice(a.AbsolutePos, a.AbsolutePos+n) != a.Text {
		return Resolution{}, false
	}
	r, ok := flat.Range(a.AbsolutePos, a.AbsolutePos+n)
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Range: r, Strategy: StrategyExact, Score: 1}, true
}

func resolveStructural(root *html.Node, _ *dom.Flat, a Anchor) (Resolution, bool) {
	if len(a.StartPath) == 0 || len(a.EndPath) == 0 {
		return Resolution{}, false
	}
	startNode, ok := dom.Resolve(root, a.StartPath)
	if !ok || startNode.Type != html.TextNode {
		return Resolution{}, false
	}
	endNode, ok := dom.Resolve(root, a.EndPath)
	if !ok || endNode.Type != html.TextNode {
		return Resolution{}, false
	}
	r := dom.Range{
		Start: dom.Boundary{Node: startNode, Offset: a.StartOffset},
		End:   dom.Boundary{Node: endNode, Offset: a.EndOffset},
	}
	if dom.CheckWrap(root, r) != nil {
		return Resolution{}, false
	}
	score := Similarity(strings.TrimSpace(r.Text()), a.Text)
	if score < structuralThreshold {
		return Resolution{}, false
	}
	return Resolution{Range: r, Strategy: StrategyStructural, Score: score}, true
}

// resolveContext disambiguates repeated text by how well the surroundings of
// each occurrence match the captured context. Equal scores go to the
// occurrence closest to the captured position.
func resolveContext(_ *html.Node, flat *dom.Flat, a Anchor) (Resolution, bool) {
	n := runeCount(a.Text)
	best, bestScore := -1, -1.0
	for _, at := range flat.IndexAll(a.Text) {
		before := strings.TrimSpace(flat.Slice(at-ContextWindow, at))
		after := strings.TrimSpace(flat.Slice(at+n, at+n+ContextWindow))
		score := (Similarity(before, a.BeforeContext) + Similarity(after, a.AfterContext)) / 2
		switch {
		case score > bestScore:
			best, bestScore = at, score
		case score == bestScore && distance(at, a.AbsolutePos) < distance(best, a.AbsolutePos):
			best = at
		}
	}
	if best < 0 || bestScore <= contextThreshold {
		return Resolution{}, false
	}
	r, ok := flat.Range(best, best+n)
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Range: r, Strategy: StrategyContext, Score: bestScore}, true
}

// resolveFuzzy looks for the first word followed, within a bounded gap, by
// the last word. It tolerates edits inside the anchored text as long as its
// edges survive.
func resolveFuzzy(_ *html.Node, flat *dom.Flat, a Anchor) (Resolution, bool) {
	words := strings.Fields(a.Text)
	if len(words) < 2 {
		return Resolution{}, false
	}
	pattern := fmt.Sprintf(`(?s)%s.{0,%d}?%s`, regexp.QuoteMeta(words[0]), fuzzyGap, regexp.QuoteMeta(words[len(words)-1]))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Resolution{}, false
	}
	text := flat.String()
	loc := re.FindStringIndex(text)
	if loc == nil {
		return Resolution{}, false
	}
	start := utf8.RuneCountInString(text[:loc[0]])
	matched := text[loc[0]:loc[1]]
	r, ok := flat.Range(start, start+utf8.RuneCountInString(matched))
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Range: r, Strategy: StrategyFuzzy, Score: Similarity(matched, a.Text)}, true
}

// resolveFallback marks len(text) runes at the anchor's approximate old
// location: the clamped structural path when it still lands on flattened
// text, the absolute position otherwise.
func resolveFallback(root *html.Node, flat *dom.Flat, a Anchor) (Resolution, error) {
	width := max(runeCount(a.Text), 1)
	start := -1
	if node := dom.ResolveApprox(root, a.StartPath); node != nil && flat.Includes(node) {
		offset := min(max(a.StartOffset, 0), runeCount(node.Data))
		start = flat.Locate(dom.Boundary{Node: node, Offset: offset})
	}
	if start < 0 {
		start = a.AbsolutePos
	}
	start = min(max(start, 0), flat.Len()-1)
	// Keep the span inside one text node so it never straddles a marker
	// applied earlier in the same pass.
	seg, ok := flat.SegmentAt(start)
	if !ok {
		return Resolution{}, fmt.Errorf("fallback offset %d: %w", start, dom.ErrInvalidRange)
	}
	end := min(start+width, seg.End())
	start = max(seg.Start, end-width)
	r, ok := flat.Range(start, end)
	if !ok {
		return Resolution{}, fmt.Errorf("fallback range [%d,%d): %w", start, end, dom.ErrInvalidRange)
	}
	return Resolution{Range: r, Strategy: StrategyFallback, Degraded: true}, nil
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
