package domain

import "time"

type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusLeased   JobStatus = "leased"
	JobStatusError    JobStatus = "error"
	JobStatusEnriched JobStatus = "enriched"
)

// Job is one unit of enrichment work: a domain waiting for analysis.
// Jobs are created by the upstream ingestion pipeline; the engine only
// transitions their status. SegmentCombined is the expected token sequence
// the extraction stage must reconstruct; the Segments fields hold what it
// actually produced.
type Job struct {
	ID                    string
	DomainFull            string
	TargetURI             string
	Status                JobStatus
	LeaseAttempts         int
	ShortResponseAttempts int
	ErrorReason           string
	SegmentCombined       string
	SegmentsFull          string
	SegmentsFullCount     int
	SegmentsLanguage      string
	UpdatedAt             time.Time
}
