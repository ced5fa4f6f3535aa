package store

import "clm/api/internal/highlight"

// Target is the highlight pass input for this comment.
func (c Comment) Target() highlight.Target {
	return highlight.Target{
		ID:           c.ID,
		Anchor:       c.Anchor,
		ChangeType:   highlight.ChangeType(c.ChangeType),
		OriginalText: c.OriginalText,
	}
}

// Targets converts comments in order.
func Targets(comments []Comment) []highlight.Target {
	out := make([]highlight.Target, 0, len(comments))
	for _, c := range comments {
		out = append(out, c.Target())
	}
	return out
}
