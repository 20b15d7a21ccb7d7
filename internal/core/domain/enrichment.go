package domain

import "time"

// SegmentsValidationFailed is the sentinel stored in place of the segment
// breakdown when every extraction retry failed the reconstruction check.
const SegmentsValidationFailed = "validation_failed"

// Enrichment is the persisted result of a completed two-stage analysis.
type Enrichment struct {
	DomainFull string
	Grounded   bool
	Summary    string
	Payload    map[string]any
	UpdatedAt  time.Time
}

// Segmentation carries the extraction stage's domain-token breakdown. It is
// only persisted when SegmentsFull reconstructs the expected token sequence,
// or as the validation_failed fallback.
type Segmentation struct {
	DomainFull        string
	SegmentsFull      string
	SegmentsFullCount int
	SegmentsLanguage  string
}
