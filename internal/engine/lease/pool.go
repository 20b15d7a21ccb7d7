// Package lease hands out credentials under cooldown admission control.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pinwork/enrichd/internal/core/domain"
	"github.com/pinwork/enrichd/internal/engine/classify"
	"github.com/pinwork/enrichd/internal/engine/metrics"
	"github.com/pinwork/enrichd/internal/infra/proxy"
	"github.com/pinwork/enrichd/internal/infra/storage"
)

const (
	// emptyPoolWait is how long a worker rests when every credential is
	// still cooling down.
	emptyPoolWait = 60 * time.Second

	// logEveryNthWait decimates empty-pool logging; forty workers hitting
	// an exhausted pool at once would otherwise flood the log.
	logEveryNthWait = 10

	// maxIPClaimAttempts bounds session rotation when the egress IP keeps
	// colliding with one already claimed.
	maxIPClaimAttempts = 4
)

// IPProber resolves the public egress IP seen through a proxy endpoint.
type IPProber interface {
	PublicIP(ctx context.Context, ep proxy.Endpoint) (string, error)
}

// Config controls a pool.
type Config struct {
	Provider string
	Cooldown time.Duration
	Wait     time.Duration // 0 means emptyPoolWait
}

// Pool leases credentials for one provider. Admission is delegated to the
// repository's atomic claim; the pool adds blocking, pacing between empty
// attempts, finalisation and egress IP upkeep.
type Pool struct {
	cfg    Config
	repo   storage.CredentialRepository
	prober IPProber
	log    *slog.Logger

	waits atomic.Int64
}

// NewPool creates a credential pool.
func NewPool(cfg Config, repo storage.CredentialRepository, prober IPProber) *Pool {
	if cfg.Wait == 0 {
		cfg.Wait = emptyPoolWait
	}
	return &Pool{
		cfg:    cfg,
		repo:   repo,
		prober: prober,
		log:    slog.Default().With("component", "lease", "provider", cfg.Provider),
	}
}

// Lease blocks until a credential finishes its rest period, waiting between
// attempts when the pool is exhausted. Returns the context error on cancel.
func (p *Pool) Lease(ctx context.Context) (*domain.Credential, error) {
	for {
		cred, err := p.repo.Lease(ctx, p.cfg.Provider, p.cfg.Cooldown)
		if err == nil {
			p.waits.Store(0)
			return cred, nil
		}
		if !errors.Is(err, storage.ErrNoCredential) {
			return nil, fmt.Errorf("failed to lease credential: %w", err)
		}

		metrics.CredentialLeaseWaits.Inc()
		if n := p.waits.Add(1); n%logEveryNthWait == 1 {
			p.log.Info("credential pool exhausted, waiting",
				"wait", p.cfg.Wait, "consecutive_waits", n)
		}

		timer := time.NewTimer(p.cfg.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// FinalizeSuccess records an accepted request and clears the credential's
// rate-limit streak.
func (p *Pool) FinalizeSuccess(ctx context.Context, cred *domain.Credential, statusCode int) {
	if err := p.repo.RecordSuccess(ctx, cred.ID, statusCode); err != nil {
		p.log.Warn("failed to record success", "credential", cred.KeySuffix(), "error", err)
	}
}

// FinalizeFailure records a classified failure against the credential.
// Transport failures that never reached the upstream count against the
// egress path, not the credential's quota.
func (p *Pool) FinalizeFailure(ctx context.Context, cred *domain.Credential, verdict classify.Details) {
	var err error
	switch {
	case verdict.RateLimited():
		err = p.repo.RecordRateLimited(ctx, cred.ID, verdict.PoolWide)
	case verdict.StatusCode == 401 || verdict.StatusCode == 403:
		if err = p.repo.RecordStatus(ctx, cred.ID, verdict.StatusCode); err == nil {
			err = p.repo.Disable(ctx, cred.ID,
				fmt.Sprintf("rejected by upstream with status %d", verdict.StatusCode))
			p.log.Warn("credential disabled",
				"credential", cred.KeySuffix(), "status", verdict.StatusCode)
		}
	case verdict.Kind == classify.KindProxy,
		verdict.Kind == classify.KindNetwork,
		verdict.Kind == classify.KindDNS,
		verdict.Kind == classify.KindSSL:
		err = p.repo.RecordProxyError(ctx, cred.ID)
	case verdict.StatusCode != 0:
		err = p.repo.RecordStatus(ctx, cred.ID, verdict.StatusCode)
	}
	if err != nil {
		p.log.Warn("failed to finalize credential",
			"credential", cred.KeySuffix(), "kind", string(verdict.Kind), "error", err)
	}
}

// EnsureIP makes sure the credential has a claimed egress IP before use.
// When the probe fails or the probed IP is already claimed by another
// credential, the proxy session is rotated and probed again, a bounded
// number of times.
func (p *Pool) EnsureIP(ctx context.Context, cred *domain.Credential) (proxy.Endpoint, error) {
	ep, err := proxy.New(
		cred.ProxyProtocol, cred.ProxyHost, cred.ProxyPort,
		cred.ProxyUsername, cred.ProxyPassword,
	)
	if err != nil {
		return proxy.Endpoint{}, fmt.Errorf("credential %s has an invalid proxy: %w",
			cred.KeySuffix(), err)
	}

	if !cred.NeedsIPRefresh() {
		return ep, nil
	}

	for attempt := 1; attempt <= maxIPClaimAttempts; attempt++ {
		ip, err := p.prober.PublicIP(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return proxy.Endpoint{}, ctx.Err()
			}
			if attempt == maxIPClaimAttempts || !ep.HasSession() {
				return proxy.Endpoint{}, fmt.Errorf("egress probe failed: %w", err)
			}
			p.log.Warn("egress probe failed, rotating session",
				"credential", cred.KeySuffix(), "attempt", attempt, "error", err)
			ep = ep.RotateSession()
			continue
		}

		err = p.repo.ClaimIP(ctx, cred.ID, ip)
		if err == nil {
			cred.CurrentIP = ip
			p.log.Info("claimed egress ip",
				"credential", cred.KeySuffix(), "ip", ip, "attempt", attempt)
			return ep, nil
		}
		if !errors.Is(err, storage.ErrIPTaken) {
			return proxy.Endpoint{}, fmt.Errorf("failed to claim ip: %w", err)
		}

		if !ep.HasSession() {
			return proxy.Endpoint{}, fmt.Errorf(
				"egress ip %s already claimed and proxy has no session to rotate", ip)
		}
		p.log.Info("egress ip already claimed, rotating session",
			"credential", cred.KeySuffix(), "ip", ip, "attempt", attempt)
		ep = ep.RotateSession()
	}

	return proxy.Endpoint{}, fmt.Errorf(
		"could not obtain a unique egress ip after %d attempts", maxIPClaimAttempts)
}
