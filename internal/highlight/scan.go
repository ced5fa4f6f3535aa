package highlight

import (
	"strings"

	"clm/api/internal/dom"

	"golang.org/x/net/html"
)

// Change is a highlighted passage whose text no longer matches what the
// comment was recorded against.
type Change struct {
	ID           string     `json:"id"`
	OriginalText string     `json:"originalText"`
	NewText      string     `json:"newText"`
	ChangeType   ChangeType `json:"changeType"`
}

type ScanResult struct {
	Changes []Change `json:"changes"`
	// Missing holds ids whose marker or icon was removed from the body.
	Missing []string `json:"missing"`
}

// Scan compares the live text of every target's markers with the recorded
// text. Edited plain comments come back as insertions.
func Scan(root *html.Node, targets []Target) ScanResult {
	var result ScanResult
	if root == nil {
		return result
	}
	markers := make(map[string][]*html.Node)
	icons := make(map[string]bool)
	for _, n := range dom.Find(root, func(n *html.Node) bool { return dom.Attr(n, dom.AttrCommentID) != "" }) {
		id := dom.Attr(n, dom.AttrCommentID)
		if dom.IsIcon(n) {
			icons[id] = true
			continue
		}
		markers[id] = append(markers[id], n)
	}

	for _, t := range targets {
		found, ok := markers[t.ID]
		if !ok || !icons[t.ID] {
			result.Missing = append(result.Missing, t.ID)
			continue
		}
		var live strings.Builder
		for _, m := range found {
			live.WriteString(dom.TextContent(m))
		}
		original := t.OriginalText
		if original == "" {
			original = t.Anchor.Text
		}
		current := strings.TrimSpace(live.String())
		if current == strings.TrimSpace(original) {
			continue
		}
		ct := t.ChangeType
		if ct == ChangeComment || !ct.Valid() {
			ct = ChangeInsert
		}
		result.Changes = append(result.Changes, Change{
			ID:           t.ID,
			OriginalText: original,
			NewText:      current,
			ChangeType:   ct,
		})
	}
	return result
}
