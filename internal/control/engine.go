// Package control wires the enrichment pipeline together and manages its
// lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pinwork/enrichd/internal/analysis"
	"github.com/pinwork/enrichd/internal/core/config"
	"github.com/pinwork/enrichd/internal/core/domain"
	"github.com/pinwork/enrichd/internal/engine/adaptive"
	"github.com/pinwork/enrichd/internal/engine/health"
	"github.com/pinwork/enrichd/internal/engine/lease"
	"github.com/pinwork/enrichd/internal/engine/metrics"
	"github.com/pinwork/enrichd/internal/engine/throttle"
	"github.com/pinwork/enrichd/internal/engine/worker"
	redisclient "github.com/pinwork/enrichd/internal/infra/redis"
	"github.com/pinwork/enrichd/internal/infra/storage"
	"github.com/pinwork/enrichd/internal/infra/storage/memory"
	"github.com/pinwork/enrichd/internal/infra/storage/postgres"

	"github.com/pressly/goose/v3"
)

// AuditStream is the redis stream carrying pipeline lifecycle events. The
// status subcommand reads the same stream back.
const AuditStream = "enrich:audit"

const (
	defaultProbeURL = "https://icanhazip.com/"
	delayPublishTTL = 24 * time.Hour
)

// stageRuntime bundles everything one analysis stage needs at runtime.
type stageRuntime struct {
	name     domain.Stage
	provider string
	pool     *lease.Pool
	throttle *throttle.Throttle
}

// Engine is the composition root: storage, credential pools, throttles,
// adaptive controllers, the worker fleet and the health server.
type Engine struct {
	cfg          *config.AppConfig
	workers      []*worker.Worker
	stages       map[domain.Stage]*stageRuntime
	controllers  []*adaptive.Controller
	pacing       storage.PacingRepository
	healthMon    *health.Monitor
	healthServer *health.Server
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger

	group *errgroup.Group
}

// NewEngine creates an engine with all dependencies initialized.
func NewEngine(cfg *config.AppConfig) (*Engine, error) {
	var (
		jobRepo    storage.JobRepository
		credRepo   storage.CredentialRepository
		pacingRepo storage.PacingRepository
		enrichRepo storage.EnrichmentRepository
		db         *postgres.DB
	)

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		jobRepo = postgres.NewJobRepo(db)
		credRepo = postgres.NewCredentialRepo(db)
		pacingRepo = postgres.NewPacingRepo(db)
		enrichRepo = postgres.NewEnrichmentRepo(db)
		slog.Info("using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		jobRepo = memory.NewJobRepo(store)
		credRepo = memory.NewCredentialRepo(store)
		pacingRepo = memory.NewPacingRepo(store)
		enrichRepo = memory.NewEnrichmentRepo(store)
		slog.Info("using in-memory storage")
	}

	var redisClient *redisclient.Client
	var audit *redisclient.AuditSink
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("failed to connect to redis, audit trail disabled", "error", err)
		} else {
			audit = redisclient.NewAuditSink(redisClient, AuditStream)
		}
	}

	client := analysis.NewClient(analysis.Config{
		BaseURL:    cfg.Analysis.BaseURL,
		Discovery:  stageTimeouts(cfg.Stages.Discovery),
		Extraction: stageTimeouts(cfg.Stages.Extraction),
	})

	probeURL := cfg.Proxy.ProbeURL
	if probeURL == "" {
		probeURL = defaultProbeURL
	}
	prober := analysis.NewProber(probeURL)

	stages := map[domain.Stage]*stageRuntime{
		domain.StageDiscovery:  newStageRuntime(domain.StageDiscovery, cfg.Stages.Discovery, credRepo, prober),
		domain.StageExtraction: newStageRuntime(domain.StageExtraction, cfg.Stages.Extraction, credRepo, prober),
	}
	controllers := newControllers(cfg.Adaptive, credRepo, pacingRepo, stages, redisClient, audit)

	rotation := analysis.NewRotation()
	workers := make([]*worker.Worker, 0, cfg.Workers.Count)
	for i := 0; i < cfg.Workers.Count; i++ {
		deps := worker.Deps{
			Jobs:        jobRepo,
			Enrichments: enrichRepo,
			Client:      client,
			Discovery: worker.Stage{
				Pool:   stages[domain.StageDiscovery].pool,
				Gate:   stages[domain.StageDiscovery].throttle,
				Models: cfg.Stages.Discovery.Models,
			},
			Extraction: worker.Stage{
				Pool:       stages[domain.StageExtraction].pool,
				Gate:       stages[domain.StageExtraction].throttle,
				Models:     cfg.Stages.Extraction.Models,
				RetryModel: cfg.Stages.Extraction.RetryModel,
			},
			Rotation: rotation,
		}
		if audit != nil {
			deps.Audit = audit
		}
		workers = append(workers, worker.New(worker.Config{
			ID:         i,
			CrashPause: cfg.Workers.CrashPause,
		}, deps))
	}

	providers := []string{
		cfg.Stages.Discovery.Provider,
		cfg.Stages.Extraction.Provider,
	}
	var pinger health.Pinger
	if db != nil {
		pinger = db
	}
	healthMon := health.NewMonitor(jobRepo, credRepo, providers, pinger)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	return &Engine{
		cfg:          cfg,
		workers:      workers,
		stages:       stages,
		controllers:  controllers,
		pacing:       pacingRepo,
		healthMon:    healthMon,
		healthServer: healthServer,
		db:           db,
		redisClient:  redisClient,
		log:          slog.Default().With("component", "engine"),
	}, nil
}

func stageTimeouts(sc config.StageConfig) analysis.Timeouts {
	return analysis.Timeouts{
		Connect: sc.ConnectTimeout,
		Read:    sc.ReadTimeout,
		Total:   sc.TotalTimeout,
	}
}

func newStageRuntime(
	stage domain.Stage,
	sc config.StageConfig,
	creds storage.CredentialRepository,
	prober lease.IPProber,
) *stageRuntime {
	return &stageRuntime{
		name:     stage,
		provider: sc.Provider,
		pool: lease.NewPool(lease.Config{
			Provider: sc.Provider,
			Cooldown: sc.Cooldown,
		}, creds, prober),
		throttle: throttle.New(sc.InitialDelay),
	}
}

// newControllers builds one adaptive controller per distinct provider. Stages
// sharing a provider share its credential counters, so they must share the
// controller that reads and resets them.
func newControllers(
	ac config.AdaptiveConfig,
	creds storage.CredentialRepository,
	pacing storage.PacingRepository,
	stages map[domain.Stage]*stageRuntime,
	redisClient *redisclient.Client,
	audit *redisclient.AuditSink,
) []*adaptive.Controller {
	byProvider := make(map[string][]adaptive.Target)
	var providers []string
	for _, name := range []domain.Stage{domain.StageDiscovery, domain.StageExtraction} {
		st := stages[name]
		if _, seen := byProvider[st.provider]; !seen {
			providers = append(providers, st.provider)
		}
		byProvider[st.provider] = append(byProvider[st.provider], adaptive.Target{
			Stage:    st.name,
			Throttle: st.throttle,
		})
	}

	controllers := make([]*adaptive.Controller, 0, len(providers))
	for _, provider := range providers {
		var sink adaptive.Sink
		if redisClient != nil || audit != nil {
			sink = &delaySink{
				provider: provider,
				redis:    redisClient,
				audit:    audit,
				log:      slog.Default().With("component", "delay-sink"),
			}
		}
		controllers = append(controllers, adaptive.NewController(adaptive.Config{
			Provider:     provider,
			Enabled:      ac.Enabled,
			EvalInterval: ac.EvalInterval,
			Step:         ac.Step,
			MinDelay:     ac.MinDelay,
		}, creds, pacing, byProvider[provider], sink))
	}
	return controllers
}

// Start brings up every component. Workers run under an errgroup that Stop
// waits on.
func (e *Engine) Start(ctx context.Context) error {
	// A restart never reacts to traffic observed by the previous process.
	for _, c := range e.controllers {
		if err := c.StartupReset(ctx); err != nil {
			return fmt.Errorf("startup reset: %w", err)
		}
	}

	e.seedThrottles(ctx)

	go func() {
		if err := e.healthServer.Start(); err != nil {
			e.log.Error("health server failed", "error", err)
		}
	}()
	go e.healthMon.Start(ctx)

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}

	for _, c := range e.controllers {
		go func(c *adaptive.Controller) {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("adaptive controller failed", "error", err)
			}
		}(c)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	e.group = g

	e.log.Info("engine started", "workers", len(e.workers))
	return nil
}

// seedThrottles restores each stage's persisted pacing delay so a restart
// picks up where the last run's controller left off. Stored values are
// clamped into the configured bounds before they touch a throttle.
func (e *Engine) seedThrottles(ctx context.Context) {
	for _, st := range e.stages {
		state, err := e.pacing.Get(ctx, st.provider, st.name)
		if err != nil {
			e.log.Warn("failed to read persisted pacing delay",
				"stage", st.name.String(), "error", err)
			continue
		}
		if state == nil || state.CurrentDelay <= 0 {
			continue
		}
		state.MinDelay = e.cfg.Adaptive.MinDelay
		state.MaxDelay = e.cfg.Adaptive.MaxDelay
		state.Clamp()
		st.throttle.SetDelay(state.CurrentDelay)
		metrics.PacingDelay.WithLabelValues(st.name.String()).Set(state.CurrentDelay.Seconds())
		e.log.Info("restored pacing delay",
			"stage", st.name.String(), "delay", state.CurrentDelay)
	}
}

// Stop drains the worker fleet and shuts down shared resources. The caller
// cancels the Start context first; Stop's own context bounds the drain.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("stopping engine")

	if e.group != nil {
		done := make(chan error, 1)
		go func() { done <- e.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				e.log.Warn("worker fleet exited with error", "error", err)
			}
		case <-ctx.Done():
			e.log.Warn("timed out waiting for workers to drain")
		}
	}

	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("failed to close redis", "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Warn("failed to close database", "error", err)
		}
	}

	return e.healthServer.Stop(ctx)
}

// delaySink publishes delay changes to redis for dashboards and records them
// on the audit stream.
type delaySink struct {
	provider string
	redis    *redisclient.Client
	audit    *redisclient.AuditSink
	log      *slog.Logger
}

func (s *delaySink) DelayChanged(
	ctx context.Context,
	stage domain.Stage,
	old, next time.Duration,
	successRate float64,
) {
	if s.redis != nil {
		err := s.redis.PublishDelay(ctx, s.provider, stage.String(), next, delayPublishTTL)
		if err != nil {
			s.log.Warn("failed to publish delay", "stage", stage.String(), "error", err)
		}
	}
	if s.audit != nil {
		s.audit.Record(ctx, redisclient.AuditEvent{
			Kind:  "delay_change",
			Stage: stage.String(),
			Detail: fmt.Sprintf("%s -> %s at %.1f%% acceptance",
				old, next, successRate),
		})
	}
}
