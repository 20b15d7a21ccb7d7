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

// CredentialRepo implements storage.CredentialRepository using PostgreSQL.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new PostgreSQL credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

type credentialRow struct {
	ID               string         `db:"id"`
	Provider         string         `db:"provider"`
	Key              string         `db:"api_key"`
	Status           string         `db:"status"`
	LastUsedAt       sql.NullTime   `db:"last_used_at"`
	CurrentIP        sql.NullString `db:"current_ip"`
	SuccessCount     int            `db:"success_count"`
	RateLimitedCount int            `db:"rate_limited_count"`
	ProxyErrorCount  int            `db:"proxy_error_count"`
	LastStatusCode   sql.NullInt64  `db:"last_status_code"`
	ProxyProtocol    sql.NullString `db:"proxy_protocol"`
	ProxyHost        sql.NullString `db:"proxy_host"`
	ProxyPort        sql.NullInt64  `db:"proxy_port"`
	ProxyUsername    sql.NullString `db:"proxy_username"`
	ProxyPassword    sql.NullString `db:"proxy_password"`
}

func (r credentialRow) toDomain() *domain.Credential {
	return &domain.Credential{
		ID:               r.ID,
		Provider:         r.Provider,
		Key:              r.Key,
		Status:           domain.CredentialStatus(r.Status),
		LastUsedAt:       r.LastUsedAt.Time,
		CurrentIP:        r.CurrentIP.String,
		SuccessCount:     r.SuccessCount,
		RateLimitedCount: r.RateLimitedCount,
		ProxyErrorCount:  r.ProxyErrorCount,
		LastStatusCode:   int(r.LastStatusCode.Int64),
		ProxyProtocol:    r.ProxyProtocol.String,
		ProxyHost:        r.ProxyHost.String,
		ProxyPort:        int(r.ProxyPort.Int64),
		ProxyUsername:    r.ProxyUsername.String,
		ProxyPassword:    r.ProxyPassword.String,
	}
}

// Lease atomically claims the coldest eligible credential. Stamping
// last_used_at in the same statement is what makes the cooldown admission
// race-free across workers.
func (r *CredentialRepo) Lease(
	ctx context.Context,
	provider string,
	cooldown time.Duration,
) (*domain.Credential, error) {
	query := `
		UPDATE api_credentials
		SET last_used_at = NOW()
		WHERE id = (
			SELECT id FROM api_credentials
			WHERE provider = $1
			  AND status = 'active'
			  AND (last_used_at IS NULL OR last_used_at <= NOW() - $2::interval)
			ORDER BY last_used_at ASC NULLS FIRST
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, provider, api_key, status, last_used_at, current_ip,
			success_count, rate_limited_count, proxy_error_count, last_status_code,
			proxy_protocol, proxy_host, proxy_port, proxy_username, proxy_password
	`
	var row credentialRow
	err := r.db.GetContext(ctx, &row, query, provider, pgInterval(cooldown))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease credential: %w", err)
	}
	return row.toDomain(), nil
}

// RecordSuccess stores the status code and clears the rate-limit streak.
func (r *CredentialRepo) RecordSuccess(ctx context.Context, id string, statusCode int) error {
	query := `
		UPDATE api_credentials
		SET success_count = success_count + 1,
			rate_limited_count = 0,
			last_status_code = $2
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, statusCode)
	return err
}

// RecordRateLimited increments the rate-limit streak. A pool-wide limit
// reflects shared egress pressure, not this credential's quota, so only the
// status code is stored.
func (r *CredentialRepo) RecordRateLimited(ctx context.Context, id string, poolWide bool) error {
	if poolWide {
		return r.RecordStatus(ctx, id, 429)
	}
	query := `
		UPDATE api_credentials
		SET rate_limited_count = rate_limited_count + 1,
			last_status_code = 429
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// RecordProxyError increments the proxy error counter.
func (r *CredentialRepo) RecordProxyError(ctx context.Context, id string) error {
	query := `
		UPDATE api_credentials
		SET proxy_error_count = proxy_error_count + 1
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// RecordStatus stores the last observed status code.
func (r *CredentialRepo) RecordStatus(ctx context.Context, id string, statusCode int) error {
	query := `UPDATE api_credentials SET last_status_code = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, statusCode)
	return err
}

// Disable removes a credential from rotation.
func (r *CredentialRepo) Disable(ctx context.Context, id, reason string) error {
	query := `
		UPDATE api_credentials
		SET status = 'disabled', disabled_reason = $2
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, reason)
	return err
}

// ClaimIP records the credential's egress IP. The insert into used_ips
// enforces uniqueness across the pool; a credential re-claiming its own IP
// is a no-op, only a different owner is a conflict.
func (r *CredentialRepo) ClaimIP(ctx context.Context, id, ip string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO used_ips (ip, credential_id, claimed_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (ip) DO NOTHING`, ip, id)
	if err != nil {
		return fmt.Errorf("failed to claim ip: %w", err)
	}
	if inserted, _ := res.RowsAffected(); inserted == 0 {
		var owner string
		err := tx.GetContext(ctx, &owner,
			`SELECT credential_id FROM used_ips WHERE ip = $1`, ip)
		if err != nil {
			return fmt.Errorf("failed to check ip owner: %w", err)
		}
		if owner != id {
			return storage.ErrIPTaken
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE api_credentials SET current_ip = $2 WHERE id = $1`, id, ip)
	if err != nil {
		return fmt.Errorf("failed to store ip: %w", err)
	}

	return tx.Commit()
}

// AggregateCounters sums success and rate-limit counters across the
// provider's credentials.
func (r *CredentialRepo) AggregateCounters(
	ctx context.Context,
	provider string,
) (int, int, error) {
	var row struct {
		Success     int `db:"success"`
		RateLimited int `db:"rate_limited"`
	}
	query := `
		SELECT COALESCE(SUM(success_count), 0) AS success,
			COALESCE(SUM(rate_limited_count), 0) AS rate_limited
		FROM api_credentials
		WHERE provider = $1
	`
	if err := r.db.GetContext(ctx, &row, query, provider); err != nil {
		return 0, 0, fmt.Errorf("failed to aggregate counters: %w", err)
	}
	return row.Success, row.RateLimited, nil
}

// ResetCounters zeroes success and rate-limit counters for the provider.
func (r *CredentialRepo) ResetCounters(ctx context.Context, provider string) error {
	query := `
		UPDATE api_credentials
		SET success_count = 0, rate_limited_count = 0
		WHERE provider = $1
	`
	if _, err := r.db.ExecContext(ctx, query, provider); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}
	return nil
}

// ActiveCount returns the number of credentials in rotation.
func (r *CredentialRepo) ActiveCount(ctx context.Context, provider string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM api_credentials WHERE provider = $1 AND status = 'active'`,
		provider)
	if err != nil {
		return 0, fmt.Errorf("failed to count credentials: %w", err)
	}
	return count, nil
}

func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
