package anchor

import "github.com/agnivade/levenshtein"

// Similarity is the normalized Levenshtein score of a and b in [0, 1]:
// (maxLen - distance) / maxLen over runes, 1 for two empty strings.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := max(runeCount(a), runeCount(b))
	if maxLen == 0 {
		return 1.0
	}
	distance := levenshtein.ComputeDistance(a, b)
	return float64(maxLen-distance) / float64(maxLen)
}
