package health

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/pinwork/enrichd/internal/engine/metrics"
	"github.com/pinwork/enrichd/internal/infra/storage"
)

const refreshInterval = 30 * time.Second

// Pinger is the storage liveness check; nil when running on the in-memory
// store.
type Pinger interface {
	Health(ctx context.Context) error
}

// Monitor snapshots queue depth and credential pool state.
type Monitor struct {
	jobs      storage.JobRepository
	creds     storage.CredentialRepository
	providers []string
	db        Pinger
	started   time.Time
	log       *slog.Logger
}

// NewMonitor creates a monitor over the given providers' pools.
func NewMonitor(jobs storage.JobRepository, creds storage.CredentialRepository, providers []string, db Pinger) *Monitor {
	uniq := make([]string, 0, len(providers))
	seen := make(map[string]bool)
	for _, p := range providers {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)

	return &Monitor{
		jobs:      jobs,
		creds:     creds,
		providers: uniq,
		db:        db,
		started:   time.Now(),
		log:       slog.Default().With("component", "health"),
	}
}

// CheckHealth builds a fresh report. A dead store or a fully drained
// credential pool is critical; a single empty pool is degraded.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	report := Report{
		Status:        StatusHealthy,
		Database:      "ok",
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
	}

	if m.db != nil {
		if err := m.db.Health(ctx); err != nil {
			report.Database = err.Error()
			report.Status = StatusCritical
		}
	}

	pending, err := m.jobs.PendingCount(ctx)
	if err != nil {
		m.log.Warn("pending count failed", "error", err)
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	} else {
		report.PendingJobs = pending
		metrics.PendingJobs.Set(float64(pending))
	}

	totalActive := 0
	for _, provider := range m.providers {
		active, err := m.creds.ActiveCount(ctx, provider)
		if err != nil {
			m.log.Warn("active credential count failed", "provider", provider, "error", err)
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
			continue
		}
		totalActive += active
		metrics.CredentialsActive.WithLabelValues(provider).Set(float64(active))
		report.Providers = append(report.Providers, ProviderHealth{
			Provider:          provider,
			ActiveCredentials: active,
		})
		if active == 0 && report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	if len(m.providers) > 0 && totalActive == 0 && report.Status != StatusCritical {
		report.Status = StatusCritical
	}

	return report
}

// Start refreshes the report periodically so the gauges stay current even
// without health endpoint traffic.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}
