package dom

import "golang.org/x/net/html"

// Path addresses a node by the child index taken at each level below the
// container. It stays valid until a sibling is inserted or removed somewhere
// along the way.
type Path []int

// PathTo returns the path from root to n.
func PathTo(root, n *html.Node) (Path, bool) {
	if root == nil || n == nil {
		return nil, false
	}
	var reversed []int
	for cur := n; cur != root; cur = cur.Parent {
		if cur.Parent == nil {
			return nil, false
		}
		reversed = append(reversed, childIndex(cur))
	}
	path := make(Path, len(reversed))
	for i, idx := range reversed {
		path[len(reversed)-1-i] = idx
	}
	return path, true
}

// Resolve walks path from root. It fails as soon as an index is out of range.
func Resolve(root *html.Node, path Path) (*html.Node, bool) {
	if root == nil {
		return nil, false
	}
	cur := root
	for _, idx := range path {
		next := childAt(cur, idx)
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ResolveApprox walks path clamping every index to the children available and
// stopping early at a leaf, then settles on the first flattenable text node at
// or below the node reached. It returns nil only when no such text exists.
func ResolveApprox(root *html.Node, path Path) *html.Node {
	if root == nil {
		return nil
	}
	cur := root
	for _, idx := range path {
		count := childCount(cur)
		if count == 0 {
			break
		}
		cur = childAt(cur, clamp(idx, 0, count-1))
	}
	if cur.Type == html.TextNode && !Excluded(root, cur) {
		return cur
	}
	if text := firstText(cur); text != nil && !Excluded(root, text) {
		return text
	}
	return firstText(root)
}

// Compare orders two paths in document order: -1 when a comes first, 1 when
// b does, 0 when equal. An ancestor sorts before its descendants.
func Compare(a, b Path) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// firstText finds the first text node below n that is not inside a marker,
// icon, script or style.
func firstText(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			return c
		}
		if c.Type == html.ElementNode && !isSkipped(c) {
			if t := firstText(c); t != nil {
				return t
			}
		}
	}
	return nil
}

func childIndex(n *html.Node) int {
	i := 0
	for c := n.PrevSibling; c != nil; c = c.PrevSibling {
		i++
	}
	return i
}

func childAt(n *html.Node, idx int) *html.Node {
	if idx < 0 {
		return nil
	}
	c := n.FirstChild
	for ; c != nil && idx > 0; idx-- {
		c = c.NextSibling
	}
	return c
}

func childCount(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count++
	}
	return count
}
