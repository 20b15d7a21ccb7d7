// Package analysis is the client for the two-stage content analysis service:
// stage 1 retrieves and summarises a website through the service's URL context
// tooling, stage 2 extracts a structured business profile from that summary.
package analysis

import "time"

// Grounding statuses reported by stage 1. Anything other than
// GroundingSuccess means the service answered without actually
// fetching the target site.
const (
	GroundingSuccess   = "URL_RETRIEVAL_STATUS_SUCCESS"
	GroundingError     = "URL_RETRIEVAL_STATUS_ERROR"
	GroundingNoResults = "NO_CANDIDATES"
	GroundingNoMeta    = "NO_URL_METADATA"
	GroundingNonJSON   = "NON_JSON_RESPONSE"
)

// Stage1Outcome is the result of one discovery call. StatusCode is always
// set; Text and GroundingStatus are only meaningful on HTTP 200.
type Stage1Outcome struct {
	StatusCode      int
	GroundingStatus string
	Text            string
	ErrorBody       string // formatted error body, set when StatusCode != 200
	Elapsed         time.Duration
}

// OK reports whether the call produced usable text.
func (o Stage1Outcome) OK() bool {
	return o.StatusCode == 200 && o.GroundingStatus == GroundingSuccess
}

// Stage2Outcome is the result of one extraction call. Payload is the parsed
// structured profile; nil unless StatusCode is 200 and the body decoded.
type Stage2Outcome struct {
	StatusCode int
	Payload    map[string]any
	ErrorBody  string
	Elapsed    time.Duration
}

// Field returns a string field of the payload, empty when absent.
func (o Stage2Outcome) Field(name string) string {
	if s, ok := o.Payload[name].(string); ok {
		return s
	}
	return ""
}
