package dom

import "golang.org/x/net/html"

// SplitText cuts a text node at a rune offset and returns the new node that
// holds the tail. The tail is inserted right after n.
func SplitText(n *html.Node, offset int) *html.Node {
	runes := []rune(n.Data)
	offset = clamp(offset, 0, len(runes))
	tail := &html.Node{Type: html.TextNode, Data: string(runes[offset:])}
	n.Data = string(runes[:offset])
	n.Parent.InsertBefore(tail, n.NextSibling)
	return tail
}

// Wrap moves the content covered by r into wrapper and puts wrapper where the
// content was. Elements partially covered by the range are split so that the
// wrapper only holds whole nodes; the tree is untouched when an error is
// returned.
func Wrap(root *html.Node, r Range, wrapper *html.Node) error {
	if wrapper == nil || wrapper.Parent != nil {
		return ErrInvalidRange
	}
	if err := CheckWrap(root, r); err != nil {
		return err
	}

	first, last := r.Start.Node, r.End.Node
	if first == last {
		if r.Start.Offset > 0 {
			first = SplitText(first, r.Start.Offset)
			last = first
		}
		if width := r.End.Offset - r.Start.Offset; width < runeLen(last.Data) {
			SplitText(last, width)
		}
	} else {
		if r.Start.Offset > 0 {
			first = SplitText(first, r.Start.Offset)
		}
		if r.End.Offset < runeLen(last.Data) {
			SplitText(last, r.End.Offset)
		}
	}

	ancestor := commonAncestor(first, last)
	top := liftStart(first, ancestor)
	bottom := liftEnd(last, ancestor)

	ancestor.InsertBefore(wrapper, top)
	for n := top; n != nil; {
		next := n.NextSibling
		ancestor.RemoveChild(n)
		wrapper.AppendChild(n)
		if n == bottom {
			break
		}
		n = next
	}
	return nil
}

// Unwrap replaces el with its children and returns the former parent.
func Unwrap(el *html.Node) *html.Node {
	parent := el.Parent
	if parent == nil {
		return nil
	}
	for c := el.FirstChild; c != nil; {
		next := c.NextSibling
		el.RemoveChild(c)
		parent.InsertBefore(c, el)
		c = next
	}
	parent.RemoveChild(el)
	return parent
}

// Detach removes n from its parent, if any.
func Detach(n *html.Node) {
	if n != nil && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Normalize merges adjacent text nodes and drops empty ones below n.
func Normalize(n *html.Node) {
	if n == nil {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.TextNode:
			if c.Data == "" {
				n.RemoveChild(c)
				c = next
				continue
			}
			for next != nil && next.Type == html.TextNode {
				c.Data += next.Data
				after := next.NextSibling
				n.RemoveChild(next)
				next = after
			}
		case html.ElementNode:
			Normalize(c)
		}
		c = next
	}
}

func commonAncestor(a, b *html.Node) *html.Node {
	seen := make(map[*html.Node]struct{})
	for p := a.Parent; p != nil; p = p.Parent {
		seen[p] = struct{}{}
	}
	for p := b.Parent; p != nil; p = p.Parent {
		if _, ok := seen[p]; ok {
			return p
		}
	}
	return nil
}

// liftStart splits every ancestor of n below stop so that n begins its
// branch, and returns the child of stop that now starts with n.
func liftStart(n, stop *html.Node) *html.Node {
	for n.Parent != stop {
		p := n.Parent
		if n.PrevSibling == nil {
			n = p
			continue
		}
		clone := shallowClone(p)
		p.Parent.InsertBefore(clone, p.NextSibling)
		for c := n; c != nil; {
			next := c.NextSibling
			p.RemoveChild(c)
			clone.AppendChild(c)
			c = next
		}
		n = clone
	}
	return n
}

// liftEnd is the mirror of liftStart: n ends its branch afterwards.
func liftEnd(n, stop *html.Node) *html.Node {
	for n.Parent != stop {
		p := n.Parent
		if n.NextSibling != nil {
			clone := shallowClone(p)
			p.Parent.InsertBefore(clone, p.NextSibling)
			for c := n.NextSibling; c != nil; {
				next := c.NextSibling
				p.RemoveChild(c)
				clone.AppendChild(c)
				c = next
			}
		}
		n = p
	}
	return n
}

func shallowClone(n *html.Node) *html.Node {
	return &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
}
