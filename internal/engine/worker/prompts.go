package worker

import (
	"fmt"
	"strings"
)

// PromptSource supplies the instruction text sent with each stage call.
// Prompt wording is deployment-specific; the engine only requires that the
// extraction prompt can carry the expected token sequence and the previous
// failing value back to the service.
type PromptSource interface {
	Discovery() string
	Extraction(domainFull, segmentCombined, lastInvalid string) string
}

// DefaultPrompts is the built-in prompt set.
type DefaultPrompts struct{}

func (DefaultPrompts) Discovery() string {
	return "Describe the business behind this website: what it offers, to whom, " +
		"and in which language the site is written. Answer in plain prose."
}

func (DefaultPrompts) Extraction(domainFull, segmentCombined, lastInvalid string) string {
	var b strings.Builder
	b.WriteString("Extract a JSON business profile from the content review. " +
		"Return fields segments_full (the domain name split into its words, " +
		"space separated), segments_language (ISO 639-1 code of the segment " +
		"language) and summary (one paragraph).")
	if segmentCombined != "" {
		fmt.Fprintf(&b, " The domain %s is composed of the tokens %q; "+
			"segments_full must reconstruct exactly these tokens.", domainFull, segmentCombined)
	}
	if lastInvalid != "" {
		fmt.Fprintf(&b, " A previous attempt answered %q, which does not "+
			"reconstruct the tokens. Do not repeat that answer.", lastInvalid)
	}
	return b.String()
}
