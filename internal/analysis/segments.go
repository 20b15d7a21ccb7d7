package analysis

import "strings"

// normalizeSegments collapses a segment string for comparison: spaces
// dropped, case folded.
func normalizeSegments(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", ""))
}

// ValidateSegments reports whether the extracted segment breakdown
// reconstructs the expected combined token sequence. An empty expectation
// never validates; neither does an empty extraction.
func ValidateSegments(segmentCombined, segmentsFull string) bool {
	if segmentCombined == "" || segmentsFull == "" {
		return false
	}
	return normalizeSegments(segmentCombined) == normalizeSegments(segmentsFull)
}

// SegmentCount returns the number of whitespace-separated tokens in a
// segment breakdown.
func SegmentCount(segmentsFull string) int {
	return len(strings.Fields(segmentsFull))
}
