// Package dom models a rendered contract body as an HTML tree held in a
// detached container element, and provides the text-flattening, addressing
// and wrapping primitives the anchoring engine works on.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// AttrCommentID carries the comment id on markers and icons.
	AttrCommentID = "data-comment-id"

	ClassHighlight = "comment-highlight"
	ClassInsert    = "track-insert"
	ClassDelete    = "track-delete"
	ClassIcon      = "comment-icon"
)

var (
	ErrNoContainer   = errors.New("document container missing")
	ErrInvalidRange  = errors.New("invalid range")
	ErrCrossesMarker = errors.New("range crosses an existing marker")
)

// NewContainer returns an empty detached <div> that acts as the document root.
func NewContainer() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
}

// Parse reads an HTML fragment into a fresh container.
func Parse(r io.Reader) (*html.Node, error) {
	container := NewContainer()
	nodes, err := html.ParseFragment(r, NewContainer())
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	for _, n := range nodes {
		container.AppendChild(n)
	}
	return container, nil
}

func ParseString(fragment string) (*html.Node, error) {
	return Parse(strings.NewReader(fragment))
}

// Render serializes the children of the container (its inner HTML).
func Render(root *html.Node) (string, error) {
	if root == nil {
		return "", ErrNoContainer
	}
	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("render node: %w", err)
		}
	}
	return buf.String(), nil
}

// Attr returns the value of key on n, or "".
func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func HasClass(n *html.Node, class string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// IsIcon reports whether n is the interactive affordance trailing a marker.
func IsIcon(n *html.Node) bool {
	return HasClass(n, ClassIcon)
}

// IsMarker reports whether n is a highlight wrapper for some comment.
func IsMarker(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode || IsIcon(n) {
		return false
	}
	return Attr(n, AttrCommentID) != ""
}

func isSkipped(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Template:
		return true
	}
	return IsMarker(n) || IsIcon(n)
}

// Excluded reports whether n sits inside (or is) a marker or icon below root.
// Excluded nodes do not contribute to the flattened text.
func Excluded(root, n *html.Node) bool {
	for p := n; p != nil && p != root; p = p.Parent {
		if isSkipped(p) {
			return true
		}
	}
	return false
}

// Contains reports whether n is root or a descendant of it.
func Contains(root, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

// Find returns every element below root for which match returns true, in
// document order.
func Find(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && match(c) {
				found = append(found, c)
			}
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return found
}

// TextContent concatenates every text node below n, skipping icons.
func TextContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch {
			case c.Type == html.TextNode:
				b.WriteString(c.Data)
			case IsIcon(c):
			default:
				walk(c)
			}
		}
	}
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	walk(n)
	return b.String()
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
