// Package anchor captures durable descriptions of a text selection inside a
// contract body and finds them again after the body has been edited.
package anchor

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"

	"clm/api/internal/dom"

	"golang.org/x/net/html"
)

// ContextWindow is the number of runes captured on each side of a selection.
const ContextWindow = 50

var (
	ErrEmptySelection = errors.New("selection is empty")
	ErrDetached       = errors.New("selection is outside the document")
	ErrEmptyDocument  = errors.New("document has no text")
)

// Anchor is the persisted description of where a comment's text was when
// the comment was created.
type Anchor struct {
	Text          string    `json:"text"`
	BeforeContext string    `json:"beforeContext"`
	AfterContext  string    `json:"afterContext"`
	StartPath     dom.Path  `json:"startPath"`
	EndPath       dom.Path  `json:"endPath"`
	StartOffset   int       `json:"startOffset"`
	EndOffset     int       `json:"endOffset"`
	AbsolutePos   int       `json:"absolutePos"`
	Fingerprint   string    `json:"fingerprint"`
	Timestamp     time.Time `json:"timestamp"`
}

// New builds an anchor for sel. It only reads the tree.
func New(root *html.Node, sel dom.Range) (Anchor, error) {
	if root == nil {
		return Anchor{}, dom.ErrNoContainer
	}
	if sel.Start.Node == nil || sel.End.Node == nil || sel.Collapsed() {
		return Anchor{}, ErrEmptySelection
	}
	raw := sel.Text()
	text := strings.TrimSpace(raw)
	if text == "" {
		return Anchor{}, ErrEmptySelection
	}

	flat := dom.Flatten(root)
	lead, trail := trimCounts(raw)
	start := flat.Locate(sel.Start)
	end := flat.Locate(sel.End)
	live := sel
	if flat.Slice(start, end) == raw {
		start += lead
		end -= trail
		if trimmed, ok := flat.Range(start, end); ok {
			live = trimmed
		}
	} else {
		// The selection covers excluded content, so flattened and
		// selected text disagree; keep the caller's boundaries.
		start += lead
		end = max(start, end-trail)
	}

	startPath, ok := dom.PathTo(root, live.Start.Node)
	if !ok {
		return Anchor{}, ErrDetached
	}
	endPath, ok := dom.PathTo(root, live.End.Node)
	if !ok {
		return Anchor{}, ErrDetached
	}

	before := strings.TrimSpace(flat.Slice(start-ContextWindow, start))
	after := strings.TrimSpace(flat.Slice(end, end+ContextWindow))
	return Anchor{
		Text:          text,
		BeforeContext: before,
		AfterContext:  after,
		StartPath:     startPath,
		EndPath:       endPath,
		StartOffset:   live.Start.Offset,
		EndOffset:     live.End.Offset,
		AbsolutePos:   start,
		Fingerprint:   Fingerprint(text, before, after),
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Fingerprint is a 32-bit polynomial rolling hash of the anchor text and its
// context, base-36 encoded. It is an identity aid for display and dedup, not
// a uniqueness guarantee.
func Fingerprint(text, before, after string) string {
	var h int32
	for _, r := range text + "|" + before + "|" + after {
		h = h*31 + int32(r)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

func trimCounts(s string) (lead, trail int) {
	total := runeCount(s)
	lead = total - runeCount(strings.TrimLeftFunc(s, unicode.IsSpace))
	if lead == total {
		return lead, 0
	}
	trail = total - runeCount(strings.TrimRightFunc(s, unicode.IsSpace))
	return lead, trail
}

func runeCount(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
