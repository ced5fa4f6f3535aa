package dom

import (
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Segment is the slice of flattened text contributed by one text node.
type Segment struct {
	Node   *html.Node
	Start  int
	Length int
}

// End is the flattened offset just past the segment.
func (s Segment) End() int {
	return s.Start + s.Length
}

// Flat is the plain-text view of a container: its text nodes concatenated in
// document order, leaving out markers, icons, scripts and styles. All offsets
// are in runes.
type Flat struct {
	root     *html.Node
	text     []rune
	str      string
	segments []Segment
	index    map[*html.Node]int
}

// Flatten builds the flattened view of root.
func Flatten(root *html.Node) *Flat {
	f := &Flat{root: root, index: make(map[*html.Node]int)}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				runes := []rune(c.Data)
				f.index[c] = len(f.segments)
				f.segments = append(f.segments, Segment{Node: c, Start: len(f.text), Length: len(runes)})
				f.text = append(f.text, runes...)
				b.WriteString(c.Data)
			case html.ElementNode:
				if isSkipped(c) {
					continue
				}
				walk(c)
			}
		}
	}
	if root != nil {
		walk(root)
	}
	f.str = b.String()
	return f
}

func (f *Flat) Len() int { return len(f.text) }

func (f *Flat) String() string { return f.str }

func (f *Flat) Segments() []Segment { return f.segments }

// Includes reports whether n is a text node that contributes to the view.
func (f *Flat) Includes(n *html.Node) bool {
	_, ok := f.index[n]
	return ok
}

// Slice returns the text between start and end, clamped to the view.
func (f *Flat) Slice(start, end int) string {
	start = clamp(start, 0, len(f.text))
	end = clamp(end, 0, len(f.text))
	if start >= end {
		return ""
	}
	return string(f.text[start:end])
}

// IndexAll returns the rune offset of every occurrence of needle, overlapping
// occurrences included.
func (f *Flat) IndexAll(needle string) []int {
	if needle == "" {
		return nil
	}
	_, firstSize := utf8.DecodeRuneInString(needle)
	var (
		found     []int
		byteOff   int
		runeOff   int
		countedTo int
	)
	for byteOff <= len(f.str) {
		i := strings.Index(f.str[byteOff:], needle)
		if i < 0 {
			break
		}
		at := byteOff + i
		runeOff += utf8.RuneCountInString(f.str[countedTo:at])
		countedTo = at
		found = append(found, runeOff)
		byteOff = at + firstSize
	}
	return found
}

// Locate converts a boundary into a flattened offset. Boundaries inside
// excluded nodes map to the flattened length preceding that node; element
// boundaries use Offset as a child index.
func (f *Flat) Locate(b Boundary) int {
	if i, ok := f.index[b.Node]; ok {
		seg := f.segments[i]
		return seg.Start + clamp(b.Offset, 0, seg.Length)
	}
	if b.Node == nil {
		return 0
	}
	target, after := b.Node, false
	if b.Node.Type == html.ElementNode {
		if child := childAt(b.Node, b.Offset); child != nil {
			target = child
		} else {
			after = true
		}
	}
	count, _ := f.countBefore(f.root, target, after)
	return count
}

// countBefore walks the tree in document order summing included text until
// target is reached. With after set, target's own subtree is counted too.
func (f *Flat) countBefore(n, target *html.Node, after bool) (int, bool) {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c == target && !after {
			return count, true
		}
		if i, ok := f.index[c]; ok {
			count += f.segments[i].Length
		} else if c.Type == html.ElementNode {
			sub, done := f.countBefore(c, target, after)
			count += sub
			if done {
				return count, true
			}
		}
		if c == target {
			return count, true
		}
	}
	return count, false
}

// SegmentAt returns the segment holding the rune at offset.
func (f *Flat) SegmentAt(offset int) (Segment, bool) {
	i := sort.Search(len(f.segments), func(i int) bool { return f.segments[i].End() > offset })
	if offset < 0 || i == len(f.segments) {
		return Segment{}, false
	}
	return f.segments[i], true
}

// Range maps the flattened window [start, end) back onto live text nodes.
// The start lands at the beginning of a node rather than the end of the
// previous one.
func (f *Flat) Range(start, end int) (Range, bool) {
	if start < 0 || end > len(f.text) || start > end || len(f.segments) == 0 {
		return Range{}, false
	}
	si := sort.Search(len(f.segments), func(i int) bool { return f.segments[i].End() > start })
	if si == len(f.segments) {
		if start != end {
			return Range{}, false
		}
		last := f.segments[len(f.segments)-1]
		b := Boundary{Node: last.Node, Offset: last.Length}
		return Range{Start: b, End: b}, true
	}
	startSeg := f.segments[si]
	startB := Boundary{Node: startSeg.Node, Offset: start - startSeg.Start}
	if start == end {
		return Range{Start: startB, End: startB}, true
	}
	ei := sort.Search(len(f.segments), func(i int) bool { return f.segments[i].End() >= end })
	if ei == len(f.segments) {
		return Range{}, false
	}
	endSeg := f.segments[ei]
	return Range{Start: startB, End: Boundary{Node: endSeg.Node, Offset: end - endSeg.Start}}, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
