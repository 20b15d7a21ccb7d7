package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pinwork/enrichd/internal/core/domain"
)

var (
	// ErrNoJob is returned when no leasable job exists
	ErrNoJob = errors.New("no leasable job")

	// ErrNoCredential is returned when no credential has finished its cooldown
	ErrNoCredential = errors.New("no eligible credential")

	// ErrIPTaken is returned when another credential already claimed the egress IP
	ErrIPTaken = errors.New("egress IP already claimed")
)

// JobRepository handles job lifecycle storage operations
type JobRepository interface {
	// Lease atomically claims the next pending job. Returns ErrNoJob when
	// nothing is leasable.
	Lease(ctx context.Context) (*domain.Job, error)

	// Complete marks a leased job enriched and stores its segmentation
	Complete(ctx context.Context, seg domain.Segmentation) error

	// Fail marks a leased job as a terminal error with a reason
	Fail(ctx context.Context, domainFull, reason string) error

	// Revert returns a leased job to pending, undoing the lease counter
	// increment so an unfinished attempt leaves no trace on the job
	Revert(ctx context.Context, domainFull string) error

	// BumpShortResponseAttempts increments the bounded short-response
	// counter, returning the new count
	BumpShortResponseAttempts(ctx context.Context, domainFull string) (int, error)

	// ResetShortResponseAttempts zeroes the short-response counter
	ResetShortResponseAttempts(ctx context.Context, domainFull string) error

	// PendingCount returns the number of leasable jobs
	PendingCount(ctx context.Context) (int, error)
}

// CredentialRepository handles credential pool storage operations
type CredentialRepository interface {
	// Lease atomically claims the coldest active credential whose rest
	// period has elapsed, stamping its last-use time. Returns
	// ErrNoCredential when the pool is exhausted.
	Lease(ctx context.Context, provider string, cooldown time.Duration) (*domain.Credential, error)

	// RecordSuccess stores the status code and resets the rate-limit streak
	RecordSuccess(ctx context.Context, id string, statusCode int) error

	// RecordRateLimited increments the rate-limit streak. Pool-wide limits
	// record the status without penalising the individual credential.
	RecordRateLimited(ctx context.Context, id string, poolWide bool) error

	// RecordProxyError increments the proxy error counter
	RecordProxyError(ctx context.Context, id string) error

	// RecordStatus stores the last observed status code only
	RecordStatus(ctx context.Context, id string, statusCode int) error

	// Disable removes a credential from rotation
	Disable(ctx context.Context, id, reason string) error

	// ClaimIP records the credential's egress IP, enforcing that no two
	// credentials share one. Returns ErrIPTaken on conflict.
	ClaimIP(ctx context.Context, id, ip string) error

	// AggregateCounters sums success and rate-limit counters across the
	// provider's credentials
	AggregateCounters(ctx context.Context, provider string) (success, rateLimited int, err error)

	// ResetCounters zeroes success and rate-limit counters across the
	// provider's credentials
	ResetCounters(ctx context.Context, provider string) error

	// ActiveCount returns the number of credentials in rotation
	ActiveCount(ctx context.Context, provider string) (int, error)
}

// PacingRepository persists the shared inter-request delay per stage
type PacingRepository interface {
	// Get retrieves the pacing state for a provider and stage, nil when the
	// stage has never been evaluated
	Get(ctx context.Context, provider string, stage domain.Stage) (*domain.PacingState, error)

	// SaveDelay persists a new inter-request delay
	SaveDelay(ctx context.Context, provider string, stage domain.Stage, delay time.Duration) error
}

// EnrichmentRepository stores analysis results
type EnrichmentRepository interface {
	// Save upserts the enrichment result for a domain
	Save(ctx context.Context, e *domain.Enrichment) error

	// Get retrieves the stored enrichment result, nil when absent
	Get(ctx context.Context, domainFull string) (*domain.Enrichment, error)
}
