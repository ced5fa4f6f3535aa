package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func mustParse(t *testing.T, fragment string) *html.Node {
	t.Helper()
	root, err := ParseString(fragment)
	require.NoError(t, err)
	return root
}

func mustRender(t *testing.T, root *html.Node) string {
	t.Helper()
	out, err := Render(root)
	require.NoError(t, err)
	return out
}

func TestParseRenderRoundTrip(t *testing.T) {
	root := mustParse(t, `<p>Hello <b>world</b></p><p>Second</p>`)
	assert.Equal(t, `<p>Hello <b>world</b></p><p>Second</p>`, mustRender(t, root))
}

func TestRenderNilContainer(t *testing.T) {
	_, err := Render(nil)
	require.ErrorIs(t, err, ErrNoContainer)
}

func TestFlattenSkipsMarkersAndIcons(t *testing.T) {
	root := mustParse(t, `<p>alpha <span class="comment-highlight" data-comment-id="c1">beta<span class="comment-icon" data-comment-id="c1">💬</span></span> gamma</p><script>ignored()</script>`)
	flat := Flatten(root)
	assert.Equal(t, "alpha  gamma", flat.String())
	assert.Equal(t, 12, flat.Len())
}

func TestFlattenCountsRunes(t *testing.T) {
	root := mustParse(t, `<p>Société « A »</p>`)
	flat := Flatten(root)
	assert.Equal(t, len([]rune("Société « A »")), flat.Len())
	assert.Equal(t, "« A", flat.Slice(8, 11))
}

func TestIndexAllFindsOverlappingOccurrences(t *testing.T) {
	root := mustParse(t, `<p>ééaaa</p>`)
	flat := Flatten(root)
	assert.Equal(t, []int{2, 3}, flat.IndexAll("aa"))
	assert.Nil(t, flat.IndexAll(""))
}

func TestRangeMapsOffsetsAcrossNodes(t *testing.T) {
	root := mustParse(t, `<p>Hello <b>brave</b> world</p>`)
	flat := Flatten(root)

	r, ok := flat.Range(6, 11)
	require.True(t, ok)
	assert.Equal(t, "brave", r.Text())
	assert.Equal(t, "brave", r.Start.Node.Data)
	assert.Equal(t, 0, r.Start.Offset)

	r, ok = flat.Range(3, 14)
	require.True(t, ok)
	assert.Equal(t, "lo brave wo", r.Text())

	_, ok = flat.Range(5, 99)
	assert.False(t, ok)
}

func TestLocateInsideExcludedNode(t *testing.T) {
	root := mustParse(t, `<p>one <span class="comment-highlight" data-comment-id="x">two</span> three</p>`)
	flat := Flatten(root)
	marker := Find(root, IsMarker)[0]
	inner := marker.FirstChild

	assert.Equal(t, 4, flat.Locate(Boundary{Node: inner, Offset: 2}))
	assert.Equal(t, 4, flat.Locate(Boundary{Node: marker.Parent, Offset: 2}))
	assert.Equal(t, flat.Len(), flat.Locate(Boundary{Node: marker.Parent, Offset: 3}))
}

func TestPathRoundTrip(t *testing.T) {
	root := mustParse(t, `<p>a</p><ul><li>b</li><li>c <i>d</i></li></ul>`)
	target := Find(root, func(n *html.Node) bool { return n.Data == "i" })[0].FirstChild

	path, ok := PathTo(root, target)
	require.True(t, ok)
	assert.Equal(t, Path{1, 1, 1, 0}, path)

	got, ok := Resolve(root, path)
	require.True(t, ok)
	assert.Same(t, target, got)

	_, ok = Resolve(root, Path{1, 5})
	assert.False(t, ok)
}

func TestResolveApproxClampsIndices(t *testing.T) {
	root := mustParse(t, `<p>first</p><p>second</p>`)
	got := ResolveApprox(root, Path{7, 3, 2})
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Data)

	empty := NewContainer()
	assert.Nil(t, ResolveApprox(empty, Path{0}))
}

func TestCompareOrdersPaths(t *testing.T) {
	assert.Equal(t, -1, Compare(Path{0, 1}, Path{0, 2}))
	assert.Equal(t, 1, Compare(Path{1}, Path{0, 9}))
	assert.Equal(t, -1, Compare(Path{0}, Path{0, 0}))
	assert.Equal(t, 0, Compare(Path{2, 3}, Path{2, 3}))
}

func TestWrapWithinSingleTextNode(t *testing.T) {
	root := mustParse(t, `<p>The Supplier shall deliver.</p>`)
	flat := Flatten(root)
	r, ok := flat.Range(4, 12)
	require.True(t, ok)

	wrapper := &html.Node{Type: html.ElementNode, Data: "mark"}
	require.NoError(t, Wrap(root, r, wrapper))
	assert.Equal(t, `<p>The <mark>Supplier</mark> shall deliver.</p>`, mustRender(t, root))
}

func TestWrapSplitsPartiallyCoveredElements(t *testing.T) {
	root := mustParse(t, `<p>aa<b>bbcc</b>dd</p>`)
	flat := Flatten(root)
	r, ok := flat.Range(1, 4)
	require.True(t, ok)

	wrapper := &html.Node{Type: html.ElementNode, Data: "mark"}
	require.NoError(t, Wrap(root, r, wrapper))
	assert.Equal(t, `<p>a<mark>a<b>bb</b></mark><b>cc</b>dd</p>`, mustRender(t, root))
}

func TestWrapAcrossBlocks(t *testing.T) {
	root := mustParse(t, `<p>one two</p><p>three four</p>`)
	flat := Flatten(root)
	r, ok := flat.Range(4, 12)
	require.True(t, ok)

	wrapper := &html.Node{Type: html.ElementNode, Data: "mark"}
	require.NoError(t, Wrap(root, r, wrapper))
	assert.Equal(t, `<p>one </p><mark><p>two</p><p>three</p></mark><p> four</p>`, mustRender(t, root))
}

func TestWrapRejectsMarkerCrossing(t *testing.T) {
	const fragment = `<p>one <span class="comment-highlight" data-comment-id="c1">two</span> three</p>`
	root := mustParse(t, fragment)
	flat := Flatten(root)
	r, ok := flat.Range(2, 6)
	require.True(t, ok)

	err := Wrap(root, r, &html.Node{Type: html.ElementNode, Data: "mark"})
	require.ErrorIs(t, err, ErrCrossesMarker)
	assert.Equal(t, fragment, mustRender(t, root))
}

func TestWrapRejectsReversedAndCollapsedRanges(t *testing.T) {
	root := mustParse(t, `<p>one</p><p>two</p>`)
	first := root.FirstChild.FirstChild
	second := root.LastChild.FirstChild

	reversed := Range{Start: Boundary{Node: second, Offset: 0}, End: Boundary{Node: first, Offset: 2}}
	require.ErrorIs(t, Wrap(root, reversed, &html.Node{Type: html.ElementNode, Data: "mark"}), ErrInvalidRange)

	collapsed := Range{Start: Boundary{Node: first, Offset: 1}, End: Boundary{Node: first, Offset: 1}}
	require.ErrorIs(t, Wrap(root, collapsed, &html.Node{Type: html.ElementNode, Data: "mark"}), ErrInvalidRange)
}

func TestUnwrapAndNormalizeRestoreText(t *testing.T) {
	root := mustParse(t, `<p>The Supplier shall deliver.</p>`)
	before := Flatten(root).String()
	r, _ := Flatten(root).Range(4, 12)
	wrapper := &html.Node{Type: html.ElementNode, Data: "mark"}
	require.NoError(t, Wrap(root, r, wrapper))

	parent := Unwrap(wrapper)
	Normalize(parent)

	assert.Equal(t, before, Flatten(root).String())
	assert.Equal(t, `<p>The Supplier shall deliver.</p>`, mustRender(t, root))
	assert.Equal(t, 1, childCount(root.FirstChild))
}

func TestTextContentSkipsIcons(t *testing.T) {
	root := mustParse(t, `<span class="comment-highlight" data-comment-id="c1">net 30<span class="comment-icon" data-comment-id="c1">💬</span></span>`)
	assert.Equal(t, "net 30", TextContent(root.FirstChild))
	assert.True(t, IsMarker(root.FirstChild))
	assert.True(t, IsIcon(root.FirstChild.LastChild))
	assert.False(t, IsMarker(root.FirstChild.LastChild))
}
