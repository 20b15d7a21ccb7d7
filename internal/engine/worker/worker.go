// Package worker runs the per-job enrichment state machine: lease a job,
// discover the site through stage 1, extract a structured profile through
// stage 2, persist or put the job back.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pinwork/enrichd/internal/analysis"
	"github.com/pinwork/enrichd/internal/core/domain"
	"github.com/pinwork/enrichd/internal/engine/classify"
	"github.com/pinwork/enrichd/internal/engine/metrics"
	"github.com/pinwork/enrichd/internal/infra/proxy"
	redisclient "github.com/pinwork/enrichd/internal/infra/redis"
	"github.com/pinwork/enrichd/internal/infra/storage"
)

const (
	defaultEmptyQueueWait  = 60 * time.Second
	defaultCrashPause      = 5 * time.Second
	logEveryNthEmptyLease  = 10
	storeRetryBackoff      = 10 * time.Second
	defaultShortResponse   = 200
	defaultMaxShortBumps   = 5
	defaultMaxStage2Tries  = 5
	defaultMinSummaryChars = 15
)

// Revert and terminal reasons surfaced on jobs.
const (
	reasonProxyIPRefresh  = "proxy_ip_refresh_failed"
	reasonStage1Failed    = "stage1_request_failed"
	reasonNoCandidates    = "no_candidates"
	reasonRetrievalError  = "url_retrieval_error"
	reasonNonJSON         = "non_json_response"
	reasonShortResponse   = "short_response"
	reasonInaccessible    = "inaccessible"
	reasonPlaceholder     = "placeholder"
	reasonSummaryTooShort = "summary_too_short"
)

// errEgressRefresh marks an extraction attempt that could not get a working
// egress IP. The job goes back to pending instead of losing a retry.
var errEgressRefresh = errors.New("egress ip refresh failed")

// AnalysisClient is the two-stage service surface the worker drives.
type AnalysisClient interface {
	Stage1(ctx context.Context, model, apiKey string, ep proxy.Endpoint, domainFull, prompt string) (analysis.Stage1Outcome, error)
	Stage2(ctx context.Context, model, apiKey string, ep proxy.Endpoint, domainFull, text, systemPrompt string) (analysis.Stage2Outcome, error)
}

// CredentialSource hands out credentials for one stage and records how each
// request went. Satisfied by lease.Pool.
type CredentialSource interface {
	Lease(ctx context.Context) (*domain.Credential, error)
	FinalizeSuccess(ctx context.Context, cred *domain.Credential, statusCode int)
	FinalizeFailure(ctx context.Context, cred *domain.Credential, verdict classify.Details)
	EnsureIP(ctx context.Context, cred *domain.Credential) (proxy.Endpoint, error)
}

// Gate paces request starts for one stage. Satisfied by throttle.Throttle.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

// Auditor records lifecycle events, fire and forget.
type Auditor interface {
	Record(ctx context.Context, ev redisclient.AuditEvent)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, redisclient.AuditEvent) {}

// Stage bundles the per-stage collaborators.
type Stage struct {
	Pool       CredentialSource
	Gate       Gate
	Models     []string
	RetryModel string
}

// Config tunes one worker.
type Config struct {
	ID                   int
	EmptyQueueWait       time.Duration
	CrashPause           time.Duration
	MaxExtractionRetries int
	MaxShortResponses    int
	ShortResponseChars   int
	MinSummaryChars      int
}

// Deps are the worker's collaborators.
type Deps struct {
	Jobs        storage.JobRepository
	Enrichments storage.EnrichmentRepository
	Client      AnalysisClient
	Discovery   Stage
	Extraction  Stage
	Prompts     PromptSource
	Rotation    *analysis.Rotation
	Audit       Auditor
}

// Worker processes jobs one at a time, running the full state machine to
// completion before leasing the next.
type Worker struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates a worker. Zero config fields get defaults.
func New(cfg Config, deps Deps) *Worker {
	if cfg.EmptyQueueWait == 0 {
		cfg.EmptyQueueWait = defaultEmptyQueueWait
	}
	if cfg.CrashPause == 0 {
		cfg.CrashPause = defaultCrashPause
	}
	if cfg.MaxExtractionRetries == 0 {
		cfg.MaxExtractionRetries = defaultMaxStage2Tries
	}
	if cfg.MaxShortResponses == 0 {
		cfg.MaxShortResponses = defaultMaxShortBumps
	}
	if cfg.ShortResponseChars == 0 {
		cfg.ShortResponseChars = defaultShortResponse
	}
	if cfg.MinSummaryChars == 0 {
		cfg.MinSummaryChars = defaultMinSummaryChars
	}
	if deps.Prompts == nil {
		deps.Prompts = DefaultPrompts{}
	}
	if deps.Rotation == nil {
		deps.Rotation = analysis.NewRotation()
	}
	if deps.Audit == nil {
		deps.Audit = nopAuditor{}
	}
	return &Worker{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default().With("component", "worker", "worker_id", cfg.ID),
	}
}

// Run loops until the context is cancelled. A failure inside one job never
// stops the worker; it is logged and the worker moves on after a short pause.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping")
			return nil
		}
		if err := w.runOne(ctx); err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker stopping")
				return nil
			}
			w.log.Error("job processing failed unexpectedly", "error", err)
			sleepCtx(ctx, w.cfg.CrashPause)
		}
	}
}

func (w *Worker) runOne(ctx context.Context) error {
	job, err := w.leaseJob(ctx)
	if err != nil {
		return err
	}
	return w.process(ctx, job)
}

// leaseJob blocks until a job is available, waiting between empty attempts.
func (w *Worker) leaseJob(ctx context.Context) (*domain.Job, error) {
	emptyWaits := 0
	for {
		var job *domain.Job
		err := w.storeRetry(ctx, "jobs.lease", func() error {
			j, err := w.deps.Jobs.Lease(ctx)
			if errors.Is(err, storage.ErrNoJob) {
				return nil
			}
			if err != nil {
				return err
			}
			job = j
			return nil
		})
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		emptyWaits++
		if emptyWaits%logEveryNthEmptyLease == 1 {
			w.log.Info("no pending jobs, waiting",
				"wait", w.cfg.EmptyQueueWait, "consecutive_waits", emptyWaits)
		}
		if !sleepCtx(ctx, w.cfg.EmptyQueueWait) {
			return nil, ctx.Err()
		}
	}
}

func (w *Worker) process(ctx context.Context, job *domain.Job) error {
	out, ok, err := w.runStage1(ctx, job)
	if err != nil || !ok {
		return err
	}
	return w.runStage2(ctx, job, out)
}

// runStage1 performs the discovery call and interprets its outcome. ok is
// true only when the job should proceed to extraction.
func (w *Worker) runStage1(ctx context.Context, job *domain.Job) (analysis.Stage1Outcome, bool, error) {
	var zero analysis.Stage1Outcome

	cred, err := w.deps.Discovery.Pool.Lease(ctx)
	if err != nil {
		return zero, false, err
	}

	ep, err := w.deps.Discovery.Pool.EnsureIP(ctx, cred)
	if err != nil {
		w.log.Warn("egress ip refresh failed",
			"domain", job.DomainFull, "credential", cred.KeySuffix(), "error", err)
		w.deps.Discovery.Pool.FinalizeFailure(ctx, cred, classify.Details{
			Kind:      classify.KindProxy,
			Retryable: true,
			Message:   err.Error(),
		})
		return zero, false, w.revert(ctx, job, reasonProxyIPRefresh)
	}

	if err := w.deps.Discovery.Gate.Acquire(ctx); err != nil {
		return zero, false, err
	}
	w.deps.Discovery.Gate.Release()

	model := w.deps.Rotation.Next(domain.StageDiscovery.String(), w.deps.Discovery.Models)
	out, err := w.deps.Client.Stage1(ctx, model, cred.Key, ep, job.DomainFull, w.deps.Prompts.Discovery())
	if err != nil {
		verdict := classify.Classify(err)
		metrics.StageRequestsTotal.WithLabelValues(domain.StageDiscovery.String(), "transport_error").Inc()
		w.deps.Discovery.Pool.FinalizeFailure(ctx, cred, verdict)
		w.log.Warn("discovery call failed",
			"domain", job.DomainFull, "kind", string(verdict.Kind), "error", err)
		return zero, false, w.revert(ctx, job, "stage1_exception:"+string(verdict.Kind))
	}
	metrics.StageLatency.WithLabelValues(domain.StageDiscovery.String()).Observe(out.Elapsed.Seconds())

	if out.StatusCode != 200 {
		verdict := classify.Status(out.StatusCode, out.ErrorBody)
		metrics.StageRequestsTotal.WithLabelValues(domain.StageDiscovery.String(), "http_error").Inc()
		w.deps.Discovery.Pool.FinalizeFailure(ctx, cred, verdict)
		w.log.Warn("discovery call rejected",
			"domain", job.DomainFull, "status", out.StatusCode, "body", out.ErrorBody)
		return zero, false, w.revert(ctx, job, reasonStage1Failed)
	}

	metrics.StageRequestsTotal.WithLabelValues(domain.StageDiscovery.String(), "ok").Inc()
	w.deps.Discovery.Pool.FinalizeSuccess(ctx, cred, out.StatusCode)

	switch decision, reason := interpretStage1(out, w.cfg.ShortResponseChars); decision {
	case decisionRevert:
		return zero, false, w.revert(ctx, job, reason)

	case decisionTerminal:
		if err := w.storeRetry(ctx, "jobs.reset_short", func() error {
			return w.deps.Jobs.ResetShortResponseAttempts(ctx, job.DomainFull)
		}); err != nil {
			return zero, false, err
		}
		return zero, false, w.terminalize(ctx, job, reason)

	case decisionShortResponse:
		return zero, false, w.handleShortResponse(ctx, job)

	default:
		if err := w.storeRetry(ctx, "jobs.reset_short", func() error {
			return w.deps.Jobs.ResetShortResponseAttempts(ctx, job.DomainFull)
		}); err != nil {
			return zero, false, err
		}
		return out, true, nil
	}
}

type stage1Decision int

const (
	decisionProceed stage1Decision = iota
	decisionRevert
	decisionTerminal
	decisionShortResponse
)

// interpretStage1 maps a successful discovery response onto the next state.
// Terminal content markers are only trusted on short responses; a long
// answer mentioning "placeholder" in passing is still usable content.
func interpretStage1(out analysis.Stage1Outcome, shortLimit int) (stage1Decision, string) {
	if out.GroundingStatus == analysis.GroundingNoResults {
		return decisionRevert, reasonNoCandidates
	}

	text := strings.TrimSpace(out.Text)
	if len(text) < shortLimit {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "inaccessible"):
			return decisionTerminal, reasonInaccessible
		case strings.Contains(lower, "placeholder"):
			return decisionTerminal, reasonPlaceholder
		default:
			return decisionShortResponse, reasonShortResponse
		}
	}

	switch out.GroundingStatus {
	case analysis.GroundingError:
		return decisionRevert, reasonRetrievalError
	case analysis.GroundingNonJSON:
		return decisionRevert, reasonNonJSON
	}
	return decisionProceed, ""
}

// handleShortResponse bumps the bounded short-response counter and either
// reverts for another try or terminalizes at the ceiling.
func (w *Worker) handleShortResponse(ctx context.Context, job *domain.Job) error {
	var count int
	if err := w.storeRetry(ctx, "jobs.bump_short", func() error {
		c, err := w.deps.Jobs.BumpShortResponseAttempts(ctx, job.DomainFull)
		count = c
		return err
	}); err != nil {
		return err
	}

	if count >= w.cfg.MaxShortResponses {
		w.log.Warn("short response ceiling reached",
			"domain", job.DomainFull, "attempts", count)
		return w.terminalize(ctx, job, reasonShortResponse)
	}
	return w.revert(ctx, job, reasonShortResponse)
}

// runStage2 drives the bounded extraction retry loop: every attempt leases a
// fresh credential, attempts after the first switch to the retry model and
// the failing segment value is fed back into the prompt.
func (w *Worker) runStage2(ctx context.Context, job *domain.Job, stage1 analysis.Stage1Outcome) error {
	grounded := stage1.GroundingStatus == analysis.GroundingSuccess

	var lastInvalid string
	var lastPayload map[string]any
	var lastSummary string

	for attempt := 0; attempt <= w.cfg.MaxExtractionRetries; attempt++ {
		if attempt > 0 {
			metrics.ExtractionRetries.Inc()
		}

		out, err := w.extractionAttempt(ctx, job, stage1.Text, lastInvalid, attempt)
		if errors.Is(err, errEgressRefresh) {
			return w.revert(ctx, job, reasonProxyIPRefresh)
		}
		if err != nil {
			return err
		}
		if out.StatusCode != 200 || out.Payload == nil {
			continue
		}

		lastPayload = out.Payload
		lastSummary = out.Field("summary")

		if len(strings.TrimSpace(lastSummary)) < w.cfg.MinSummaryChars {
			return w.revert(ctx, job, reasonSummaryTooShort)
		}

		segmentsFull := out.Field("segments_full")
		if job.SegmentCombined != "" && !analysis.ValidateSegments(job.SegmentCombined, segmentsFull) {
			lastInvalid = segmentsFull
			w.log.Info("segment validation failed",
				"domain", job.DomainFull, "attempt", attempt+1, "segments_full", segmentsFull)
			continue
		}

		return w.persistSuccess(ctx, job, grounded, lastSummary, out)
	}

	return w.persistFallback(ctx, job, grounded, lastSummary, lastPayload)
}

// extractionAttempt runs one stage-2 call. A zero outcome with nil error
// means the call failed and its verdict is already recorded; errEgressRefresh
// means no working egress IP could be obtained and the job should revert.
func (w *Worker) extractionAttempt(ctx context.Context, job *domain.Job, text, lastInvalid string, attempt int) (analysis.Stage2Outcome, error) {
	var zero analysis.Stage2Outcome

	cred, err := w.deps.Extraction.Pool.Lease(ctx)
	if err != nil {
		return zero, err
	}

	ep, err := w.deps.Extraction.Pool.EnsureIP(ctx, cred)
	if err != nil {
		w.log.Warn("egress ip refresh failed",
			"domain", job.DomainFull, "credential", cred.KeySuffix(), "error", err)
		w.deps.Extraction.Pool.FinalizeFailure(ctx, cred, classify.Details{
			Kind:      classify.KindProxy,
			Retryable: true,
			Message:   err.Error(),
		})
		return zero, errEgressRefresh
	}

	if err := w.deps.Extraction.Gate.Acquire(ctx); err != nil {
		return zero, err
	}
	w.deps.Extraction.Gate.Release()

	model := w.deps.Rotation.Next(domain.StageExtraction.String(), w.deps.Extraction.Models)
	if attempt > 0 && w.deps.Extraction.RetryModel != "" {
		model = w.deps.Extraction.RetryModel
	}
	prompt := w.deps.Prompts.Extraction(job.DomainFull, job.SegmentCombined, lastInvalid)

	out, err := w.deps.Client.Stage2(ctx, model, cred.Key, ep, job.DomainFull, text, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		verdict := classify.Classify(err)
		metrics.StageRequestsTotal.WithLabelValues(domain.StageExtraction.String(), "transport_error").Inc()
		w.deps.Extraction.Pool.FinalizeFailure(ctx, cred, verdict)
		w.log.Warn("extraction call failed",
			"domain", job.DomainFull, "attempt", attempt+1,
			"kind", string(verdict.Kind), "error", err)
		return zero, nil
	}
	metrics.StageLatency.WithLabelValues(domain.StageExtraction.String()).Observe(out.Elapsed.Seconds())

	if out.StatusCode != 200 {
		verdict := classify.Status(out.StatusCode, out.ErrorBody)
		metrics.StageRequestsTotal.WithLabelValues(domain.StageExtraction.String(), "http_error").Inc()
		w.deps.Extraction.Pool.FinalizeFailure(ctx, cred, verdict)
		w.log.Warn("extraction call rejected",
			"domain", job.DomainFull, "attempt", attempt+1,
			"status", out.StatusCode, "body", out.ErrorBody)
		return out, nil
	}

	metrics.StageRequestsTotal.WithLabelValues(domain.StageExtraction.String(), "ok").Inc()
	w.deps.Extraction.Pool.FinalizeSuccess(ctx, cred, out.StatusCode)

	if out.Payload == nil {
		w.log.Warn("extraction payload unparseable",
			"domain", job.DomainFull, "attempt", attempt+1, "body", out.ErrorBody)
	}
	return out, nil
}

func (w *Worker) persistSuccess(ctx context.Context, job *domain.Job, grounded bool, summary string, out analysis.Stage2Outcome) error {
	segmentsFull := out.Field("segments_full")

	if err := w.storeRetry(ctx, "enrichments.save", func() error {
		return w.deps.Enrichments.Save(ctx, &domain.Enrichment{
			DomainFull: job.DomainFull,
			Grounded:   grounded,
			Summary:    summary,
			Payload:    out.Payload,
		})
	}); err != nil {
		return err
	}

	if err := w.storeRetry(ctx, "jobs.complete", func() error {
		return w.deps.Jobs.Complete(ctx, domain.Segmentation{
			DomainFull:        job.DomainFull,
			SegmentsFull:      segmentsFull,
			SegmentsFullCount: analysis.SegmentCount(segmentsFull),
			SegmentsLanguage:  out.Field("segments_language"),
		})
	}); err != nil {
		return err
	}

	metrics.JobsProcessed.WithLabelValues("enriched").Inc()
	w.deps.Audit.Record(ctx, redisclient.AuditEvent{
		Kind:       "enriched",
		DomainFull: job.DomainFull,
		Stage:      domain.StageExtraction.String(),
	})
	w.log.Info("job enriched", "domain", job.DomainFull, "grounded", grounded)
	return nil
}

// persistFallback saves whatever the exhausted retry loop produced under the
// validation-failed sentinel rather than throwing the work away.
func (w *Worker) persistFallback(ctx context.Context, job *domain.Job, grounded bool, summary string, payload map[string]any) error {
	if err := w.storeRetry(ctx, "enrichments.save", func() error {
		return w.deps.Enrichments.Save(ctx, &domain.Enrichment{
			DomainFull: job.DomainFull,
			Grounded:   grounded,
			Summary:    summary,
			Payload:    payload,
		})
	}); err != nil {
		return err
	}

	if err := w.storeRetry(ctx, "jobs.complete", func() error {
		return w.deps.Jobs.Complete(ctx, domain.Segmentation{
			DomainFull:        job.DomainFull,
			SegmentsFull:      domain.SegmentsValidationFailed,
			SegmentsFullCount: 0,
		})
	}); err != nil {
		return err
	}

	metrics.JobsProcessed.WithLabelValues("fallback").Inc()
	w.deps.Audit.Record(ctx, redisclient.AuditEvent{
		Kind:       "fallback",
		DomainFull: job.DomainFull,
		Stage:      domain.StageExtraction.String(),
		Detail:     "extraction retries exhausted",
	})
	w.log.Warn("extraction retries exhausted, fallback saved",
		"domain", job.DomainFull, "retries", w.cfg.MaxExtractionRetries)
	return nil
}

func (w *Worker) revert(ctx context.Context, job *domain.Job, reason string) error {
	if err := w.storeRetry(ctx, "jobs.revert", func() error {
		return w.deps.Jobs.Revert(ctx, job.DomainFull)
	}); err != nil {
		return err
	}
	metrics.JobsProcessed.WithLabelValues("reverted").Inc()
	w.deps.Audit.Record(ctx, redisclient.AuditEvent{
		Kind:       "revert",
		DomainFull: job.DomainFull,
		Detail:     reason,
	})
	w.log.Info("job reverted", "domain", job.DomainFull, "reason", reason)
	return nil
}

func (w *Worker) terminalize(ctx context.Context, job *domain.Job, reason string) error {
	if err := w.storeRetry(ctx, "jobs.fail", func() error {
		return w.deps.Jobs.Fail(ctx, job.DomainFull, reason)
	}); err != nil {
		return err
	}
	metrics.JobsProcessed.WithLabelValues("failed").Inc()
	w.deps.Audit.Record(ctx, redisclient.AuditEvent{
		Kind:       "terminal",
		DomainFull: job.DomainFull,
		Detail:     reason,
	})
	w.log.Info("job terminalized", "domain", job.DomainFull, "reason", reason)
	return nil
}

// storeRetry retries a store operation indefinitely at a fixed backoff. The
// store is assumed eventually available; only context cancellation breaks
// the loop.
func (w *Worker) storeRetry(ctx context.Context, op string, fn func() error) error {
	backoff := retry.NewConstant(storeRetryBackoff)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(); err != nil {
			w.log.Warn("store operation failed, retrying",
				"op", op, "backoff", storeRetryBackoff, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// sleepCtx sleeps or returns false when the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
