package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pinwork/enrichd/internal/core/domain"
)

// PacingRepo implements storage.PacingRepository using PostgreSQL.
type PacingRepo struct {
	db *DB
}

// NewPacingRepo creates a new PostgreSQL pacing repository.
func NewPacingRepo(db *DB) *PacingRepo {
	return &PacingRepo{db: db}
}

type pacingRow struct {
	Provider       string       `db:"provider"`
	Stage          string       `db:"stage"`
	CurrentDelayMs int64        `db:"current_delay_ms"`
	LastEvaluation sql.NullTime `db:"last_evaluation"`
}

// Get retrieves the pacing state for a provider and stage. Missing rows are
// reported as a nil state so callers can seed defaults.
func (r *PacingRepo) Get(
	ctx context.Context,
	provider string,
	stage domain.Stage,
) (*domain.PacingState, error) {
	query := `
		SELECT provider, stage, current_delay_ms, last_evaluation
		FROM pacing_state
		WHERE provider = $1 AND stage = $2
	`
	var row pacingRow
	err := r.db.GetContext(ctx, &row, query, provider, string(stage))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pacing state: %w", err)
	}
	return &domain.PacingState{
		Provider:       row.Provider,
		CurrentDelay:   time.Duration(row.CurrentDelayMs) * time.Millisecond,
		LastEvaluation: row.LastEvaluation.Time,
	}, nil
}

// SaveDelay upserts the inter-request delay for a provider and stage.
func (r *PacingRepo) SaveDelay(
	ctx context.Context,
	provider string,
	stage domain.Stage,
	delay time.Duration,
) error {
	query := `
		INSERT INTO pacing_state (provider, stage, current_delay_ms, last_evaluation)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider, stage)
		DO UPDATE SET current_delay_ms = $3, last_evaluation = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, provider, string(stage), delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to save delay: %w", err)
	}
	return nil
}
