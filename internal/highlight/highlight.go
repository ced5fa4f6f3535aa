// Package highlight turns resolved anchors into live markers inside a
// contract body and takes them out again.
package highlight

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"clm/api/internal/anchor"
	"clm/api/internal/dom"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

var ErrNotApplied = errors.New("resolved range could not be wrapped")

// ChangeType selects how a marker is styled.
type ChangeType string

const (
	ChangeComment ChangeType = "comment"
	ChangeInsert  ChangeType = "insert"
	ChangeDelete  ChangeType = "delete"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeComment, ChangeInsert, ChangeDelete:
		return true
	}
	return false
}

// Class is the CSS class carried by markers of this change type. Unknown
// types are styled as plain comments.
func (c ChangeType) Class() string {
	switch c {
	case ChangeInsert:
		return dom.ClassInsert
	case ChangeDelete:
		return dom.ClassDelete
	default:
		return dom.ClassHighlight
	}
}

// Target is one comment to be highlighted.
type Target struct {
	ID         string
	Anchor     anchor.Anchor
	ChangeType ChangeType
	// OriginalText is the text a track change was recorded against. Empty
	// means the anchored text.
	OriginalText string
}

// Outcome records what happened to a single target during a pass.
type Outcome struct {
	ID       string          `json:"id"`
	Strategy anchor.Strategy `json:"strategy,omitempty"`
	Degraded bool            `json:"degraded"`
	Applied  bool            `json:"applied"`
	Err      error           `json:"-"`
}

// Report summarizes a batch pass.
type Report struct {
	Applied  int       `json:"applied"`
	Failed   int       `json:"failed"`
	Outcomes []Outcome `json:"outcomes"`
}

// Degraded lists the ids that were placed by the fallback strategy and need
// a human to confirm them.
func (r Report) Degraded() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Degraded {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

type Option func(*Highlighter)

func WithRenderer(r Renderer) Option {
	return func(h *Highlighter) {
		if r != nil {
			h.renderer = r
		}
	}
}

// Highlighter applies and removes markers. It holds no per-document state and
// may be shared; a single tree must not be mutated concurrently.
type Highlighter struct {
	renderer Renderer
	logger   *zap.Logger
}

func New(logger *zap.Logger, opts ...Option) *Highlighter {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Highlighter{renderer: DefaultRenderer{}, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Apply wraps r in a marker for id and appends the icon. It returns false and
// leaves the tree untouched when the range cannot be wrapped, for example
// because it would cross a marker that is already there.
func (h *Highlighter) Apply(root *html.Node, id string, r dom.Range, ct ChangeType) bool {
	if root == nil || id == "" {
		return false
	}
	marker := h.renderer.Marker(id, ct)
	if err := dom.Wrap(root, r, marker); err != nil {
		h.logger.Debug("skip highlight", zap.String("comment_id", id), zap.Error(err))
		return false
	}
	marker.AppendChild(h.renderer.Icon(id))
	return true
}

// Remove takes out every marker and icon for id and returns how many markers
// were unwrapped. Surrounding text nodes are merged back.
func (h *Highlighter) Remove(root *html.Node, id string) int {
	if root == nil {
		return 0
	}
	for _, icon := range dom.Find(root, func(n *html.Node) bool {
		return dom.IsIcon(n) && dom.Attr(n, dom.AttrCommentID) == id
	}) {
		dom.Detach(icon)
	}
	markers := dom.Find(root, func(n *html.Node) bool {
		return dom.IsMarker(n) && dom.Attr(n, dom.AttrCommentID) == id
	})
	for _, m := range markers {
		dom.Normalize(dom.Unwrap(m))
	}
	return len(markers)
}

// RemoveAll strips every marker and icon from root.
func (h *Highlighter) RemoveAll(root *html.Node) int {
	if root == nil {
		return 0
	}
	for _, icon := range dom.Find(root, dom.IsIcon) {
		dom.Detach(icon)
	}
	markers := dom.Find(root, dom.IsMarker)
	for _, m := range markers {
		dom.Unwrap(m)
	}
	dom.Normalize(root)
	return len(markers)
}

// HighlightAll clears root and re-applies every target. Targets are handled
// from the end of the document backwards so that wrapping one never moves
// the text another is anchored to. A failing target is recorded in the
// report and the pass goes on.
func (h *Highlighter) HighlightAll(root *html.Node, targets []Target) (Report, error) {
	if root == nil {
		return Report{}, dom.ErrNoContainer
	}
	h.RemoveAll(root)

	ordered := slices.Clone(targets)
	slices.SortStableFunc(ordered, func(a, b Target) int {
		if c := cmp.Compare(b.Anchor.AbsolutePos, a.Anchor.AbsolutePos); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	report := Report{Outcomes: make([]Outcome, 0, len(ordered))}
	for _, t := range ordered {
		out := h.highlight(root, t)
		if out.Applied {
			report.Applied++
		} else {
			report.Failed++
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	h.logger.Debug("highlight pass",
		zap.Int("targets", len(ordered)),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed))
	return report, nil
}

// HighlightOne (re)applies a single target without touching other markers.
// Per-target failures are carried in the outcome; the error is reserved for
// a missing container.
func (h *Highlighter) HighlightOne(root *html.Node, t Target) (Outcome, error) {
	if root == nil {
		return Outcome{ID: t.ID}, dom.ErrNoContainer
	}
	h.Remove(root, t.ID)
	return h.highlight(root, t), nil
}

func (h *Highlighter) highlight(root *html.Node, t Target) (out Outcome) {
	out.ID = t.ID
	defer func() {
		if rec := recover(); rec != nil {
			out.Applied = false
			out.Err = fmt.Errorf("highlight %s: %v", t.ID, rec)
			h.logger.Error("highlight panicked", zap.String("comment_id", t.ID), zap.Any("panic", rec))
		}
	}()

	res, err := anchor.Resolve(root, t.Anchor)
	if err != nil {
		out.Err = fmt.Errorf("resolve %s: %w", t.ID, err)
		h.logger.Warn("anchor unresolved", zap.String("comment_id", t.ID), zap.Error(err))
		return out
	}
	out.Strategy = res.Strategy
	out.Degraded = res.Degraded
	if res.Degraded {
		h.logger.Warn("anchor degraded to fallback", zap.String("comment_id", t.ID), zap.String("text", t.Anchor.Text))
	}
	if !h.Apply(root, t.ID, res.Range, t.ChangeType) {
		out.Err = fmt.Errorf("apply %s: %w", t.ID, ErrNotApplied)
		return out
	}
	out.Applied = true
	return out
}
