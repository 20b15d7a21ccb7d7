package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pinwork/enrichd/internal/core/domain"
)

// EnrichmentRepo implements storage.EnrichmentRepository using PostgreSQL.
type EnrichmentRepo struct {
	db *DB
}

// NewEnrichmentRepo creates a new PostgreSQL enrichment repository.
func NewEnrichmentRepo(db *DB) *EnrichmentRepo {
	return &EnrichmentRepo{db: db}
}

// Save upserts the enrichment result for a domain.
func (r *EnrichmentRepo) Save(ctx context.Context, e *domain.Enrichment) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO enrichments (domain_full, grounded, summary, payload, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (domain_full)
		DO UPDATE SET grounded = $2, summary = $3, payload = $4, updated_at = NOW()
	`
	_, err = r.db.ExecContext(ctx, query, e.DomainFull, e.Grounded, e.Summary, payload)
	if err != nil {
		return fmt.Errorf("failed to save enrichment: %w", err)
	}
	return nil
}

// Get retrieves the stored enrichment result, nil when absent.
func (r *EnrichmentRepo) Get(
	ctx context.Context,
	domainFull string,
) (*domain.Enrichment, error) {
	query := `
		SELECT domain_full, grounded, summary, payload, updated_at
		FROM enrichments
		WHERE domain_full = $1
	`
	var row struct {
		DomainFull string    `db:"domain_full"`
		Grounded   bool      `db:"grounded"`
		Summary    string    `db:"summary"`
		Payload    []byte    `db:"payload"`
		UpdatedAt  time.Time `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row, query, domainFull)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrichment: %w", err)
	}

	e := &domain.Enrichment{
		DomainFull: row.DomainFull,
		Grounded:   row.Grounded,
		Summary:    row.Summary,
		UpdatedAt:  row.UpdatedAt,
	}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return e, nil
}
