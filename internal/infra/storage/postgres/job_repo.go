package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pinwork/enrichd/internal/core/domain"
	"github.com/pinwork/enrichd/internal/infra/storage"
)

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID                    string         `db:"id"`
	DomainFull            string         `db:"domain_full"`
	TargetURI             string         `db:"target_uri"`
	Status                string         `db:"status"`
	LeaseAttempts         int            `db:"lease_attempts"`
	ShortResponseAttempts int            `db:"short_response_attempts"`
	ErrorReason           sql.NullString `db:"error_reason"`
	SegmentCombined       sql.NullString `db:"segment_combined"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

func (r jobRow) toDomain() *domain.Job {
	return &domain.Job{
		ID:                    r.ID,
		DomainFull:            r.DomainFull,
		TargetURI:             r.TargetURI,
		Status:                domain.JobStatus(r.Status),
		LeaseAttempts:         r.LeaseAttempts,
		ShortResponseAttempts: r.ShortResponseAttempts,
		ErrorReason:           r.ErrorReason.String,
		SegmentCombined:       r.SegmentCombined.String,
		UpdatedAt:             r.UpdatedAt,
	}
}

// Lease atomically claims the next pending job. The subselect with SKIP
// LOCKED keeps concurrent workers from racing on the same row.
func (r *JobRepo) Lease(ctx context.Context) (*domain.Job, error) {
	query := `
		UPDATE enrichment_jobs
		SET status = 'leased', lease_attempts = lease_attempts + 1, updated_at = NOW()
		WHERE domain_full = (
			SELECT domain_full FROM enrichment_jobs
			WHERE status = 'pending'
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, domain_full, target_uri, status, lease_attempts,
			short_response_attempts, error_reason, segment_combined, updated_at
	`
	var row jobRow
	err := r.db.GetContext(ctx, &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	return row.toDomain(), nil
}

// Complete marks a leased job enriched and stores its segmentation.
func (r *JobRepo) Complete(ctx context.Context, seg domain.Segmentation) error {
	query := `
		UPDATE enrichment_jobs
		SET status = 'enriched',
			segments_full = $2,
			segments_full_count = $3,
			segments_language = $4,
			error_reason = NULL,
			updated_at = NOW()
		WHERE domain_full = $1 AND status = 'leased'
	`
	res, err := r.db.ExecContext(ctx, query,
		seg.DomainFull, seg.SegmentsFull, seg.SegmentsFullCount, seg.SegmentsLanguage)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return requireRow(res, seg.DomainFull)
}

// Fail marks a leased job as a terminal error.
func (r *JobRepo) Fail(ctx context.Context, domainFull, reason string) error {
	query := `
		UPDATE enrichment_jobs
		SET status = 'error', error_reason = $2, updated_at = NOW()
		WHERE domain_full = $1 AND status = 'leased'
	`
	res, err := r.db.ExecContext(ctx, query, domainFull, reason)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return requireRow(res, domainFull)
}

// Revert returns a leased job to pending. The lease counter decrement undoes
// the increment from Lease, so a failed attempt leaves the counter at its
// pre-lease value.
func (r *JobRepo) Revert(ctx context.Context, domainFull string) error {
	query := `
		UPDATE enrichment_jobs
		SET status = 'pending',
			lease_attempts = lease_attempts - 1,
			updated_at = NOW()
		WHERE domain_full = $1 AND status = 'leased'
	`
	res, err := r.db.ExecContext(ctx, query, domainFull)
	if err != nil {
		return fmt.Errorf("failed to revert job: %w", err)
	}
	return requireRow(res, domainFull)
}

// BumpShortResponseAttempts increments the bounded short-response counter.
func (r *JobRepo) BumpShortResponseAttempts(ctx context.Context, domainFull string) (int, error) {
	query := `
		UPDATE enrichment_jobs
		SET short_response_attempts = short_response_attempts + 1
		WHERE domain_full = $1
		RETURNING short_response_attempts
	`
	var attempts int
	err := r.db.GetContext(ctx, &attempts, query, domainFull)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("job %s not found", domainFull)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump short-response attempts: %w", err)
	}
	return attempts, nil
}

// ResetShortResponseAttempts zeroes the short-response counter.
func (r *JobRepo) ResetShortResponseAttempts(ctx context.Context, domainFull string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET short_response_attempts = 0 WHERE domain_full = $1`,
		domainFull)
	if err != nil {
		return fmt.Errorf("failed to reset short-response attempts: %w", err)
	}
	return nil
}

// PendingCount returns the number of leasable jobs.
func (r *JobRepo) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM enrichment_jobs WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

func requireRow(res sql.Result, domainFull string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not leased", domainFull)
	}
	return nil
}
