package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Boundary is a position inside a text node, Offset counted in runes.
type Boundary struct {
	Node   *html.Node
	Offset int
}

// Range is a live span between two text-node boundaries.
type Range struct {
	Start Boundary
	End   Boundary
}

func (r Range) Collapsed() bool {
	return r.Start.Node == r.End.Node && r.Start.Offset == r.End.Offset
}

// Text returns the characters covered by the range the way a browser
// selection reads them: every text node in between, icons left out.
func (r Range) Text() string {
	if r.Start.Node == nil || r.End.Node == nil {
		return ""
	}
	if r.Start.Node == r.End.Node {
		runes := []rune(r.Start.Node.Data)
		s := clamp(r.Start.Offset, 0, len(runes))
		e := clamp(r.End.Offset, 0, len(runes))
		if s >= e {
			return ""
		}
		return string(runes[s:e])
	}
	var b strings.Builder
	startRunes := []rune(r.Start.Node.Data)
	b.WriteString(string(startRunes[clamp(r.Start.Offset, 0, len(startRunes)):]))
	for n := nextNode(r.Start.Node, false); n != nil; {
		if n == r.End.Node {
			endRunes := []rune(n.Data)
			b.WriteString(string(endRunes[:clamp(r.End.Offset, 0, len(endRunes))]))
			break
		}
		if IsIcon(n) {
			n = nextNode(n, true)
			continue
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		n = nextNode(n, false)
	}
	return b.String()
}

// validate checks the range is well formed relative to root: text endpoints
// inside root, offsets in bounds, start strictly before end.
func (r Range) validate(root *html.Node) error {
	s, e := r.Start, r.End
	if s.Node == nil || e.Node == nil || s.Node.Type != html.TextNode || e.Node.Type != html.TextNode {
		return ErrInvalidRange
	}
	if s.Offset < 0 || s.Offset > runeLen(s.Node.Data) || e.Offset < 0 || e.Offset > runeLen(e.Node.Data) {
		return ErrInvalidRange
	}
	if s.Node == e.Node {
		if s.Offset >= e.Offset {
			return ErrInvalidRange
		}
		if !Contains(root, s.Node) {
			return ErrInvalidRange
		}
		return nil
	}
	sp, ok := PathTo(root, s.Node)
	if !ok {
		return ErrInvalidRange
	}
	ep, ok := PathTo(root, e.Node)
	if !ok {
		return ErrInvalidRange
	}
	if Compare(sp, ep) >= 0 {
		return ErrInvalidRange
	}
	return nil
}

// CheckWrap reports whether Wrap would accept r under root without touching
// the tree.
func CheckWrap(root *html.Node, r Range) error {
	if err := r.validate(root); err != nil {
		return err
	}
	for _, end := range []*html.Node{r.Start.Node, r.End.Node} {
		if Excluded(root, end) {
			return ErrCrossesMarker
		}
	}
	for n := nextNode(r.Start.Node, false); n != nil && n != r.End.Node; n = nextNode(n, false) {
		if isSkipped(n) {
			return ErrCrossesMarker
		}
	}
	return nil
}

// nextNode steps to the following node in document order. With skipChildren
// set the subtree of n is jumped over.
func nextNode(n *html.Node, skipChildren bool) *html.Node {
	if !skipChildren && n.FirstChild != nil {
		return n.FirstChild
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.NextSibling != nil {
			return cur.NextSibling
		}
	}
	return nil
}
