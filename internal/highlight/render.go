package highlight

import (
	"clm/api/internal/dom"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Renderer builds the elements that make up a live highlight. The engine
// only needs markers and icons to carry the comment id attribute and the icon
// class; everything else is presentation.
type Renderer interface {
	Marker(id string, ct ChangeType) *html.Node
	Icon(id string) *html.Node
}

const iconGlyph = "💬"

// DefaultRenderer produces the span markup the contract editor styles.
type DefaultRenderer struct{}

func (DefaultRenderer) Marker(id string, ct ChangeType) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr: []html.Attribute{
			{Key: "class", Val: ct.Class()},
			{Key: dom.AttrCommentID, Val: id},
		},
	}
}

func (DefaultRenderer) Icon(id string) *html.Node {
	icon := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr: []html.Attribute{
			{Key: "class", Val: dom.ClassIcon},
			{Key: dom.AttrCommentID, Val: id},
			{Key: "contenteditable", Val: "false"},
		},
	}
	icon.AppendChild(&html.Node{Type: html.TextNode, Data: iconGlyph})
	return icon
}
