package highlight

import (
	"testing"

	"clm/api/internal/dom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDetectsEditedMarkers(t *testing.T) {
	root := parse(t, partyBody)
	a := target(t, root, "a", 0, 7, ChangeComment)
	b := target(t, root, "b", 22, 29, ChangeDelete)
	c := target(t, root, "c", 8, 14, ChangeComment)
	_, err := New(nil).HighlightAll(root, []Target{a, b, c})
	require.NoError(t, err)

	markers := dom.Find(root, dom.IsMarker)
	require.Len(t, markers, 3)
	markers[0].FirstChild.Data = "Party B"
	markers[2].FirstChild.Data = "Party C"

	result := Scan(root, []Target{a, b, c})
	assert.Empty(t, result.Missing)
	assert.Equal(t, []Change{
		{ID: "a", OriginalText: "Party A", NewText: "Party B", ChangeType: ChangeInsert},
		{ID: "b", OriginalText: "Party A", NewText: "Party C", ChangeType: ChangeDelete},
	}, result.Changes)
}

func TestScanPrefersRecordedOriginalText(t *testing.T) {
	root := parse(t, partyBody)
	a := target(t, root, "a", 0, 7, ChangeInsert)
	_, err := New(nil).HighlightAll(root, []Target{a})
	require.NoError(t, err)

	a.OriginalText = "Party A"
	assert.Empty(t, Scan(root, []Target{a}).Changes)

	a.OriginalText = "The Party"
	result := Scan(root, []Target{a})
	require.Len(t, result.Changes, 1)
	assert.Equal(t, "The Party", result.Changes[0].OriginalText)
	assert.Equal(t, "Party A", result.Changes[0].NewText)
}

func TestScanReportsRemovedMarkers(t *testing.T) {
	root := parse(t, partyBody)
	a := target(t, root, "a", 0, 7, ChangeComment)
	b := target(t, root, "b", 22, 29, ChangeComment)
	_, err := New(nil).HighlightAll(root, []Target{a, b})
	require.NoError(t, err)

	icons := dom.Find(root, dom.IsIcon)
	require.Len(t, icons, 2)
	dom.Detach(icons[1])

	result := Scan(root, []Target{a, b, {ID: "never-applied"}})
	assert.Equal(t, []string{"b", "never-applied"}, result.Missing)
	assert.Empty(t, result.Changes)
	assert.Empty(t, Scan(nil, []Target{a}).Changes)
}
