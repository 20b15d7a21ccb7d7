// Package adaptive tunes the inter-request pacing delay from observed
// upstream acceptance.
package adaptive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pinwork/enrichd/internal/core/domain"
	"github.com/pinwork/enrichd/internal/engine/metrics"
	"github.com/pinwork/enrichd/internal/engine/throttle"
	"github.com/pinwork/enrichd/internal/infra/storage"
)

// disabledRecheck is how often a disabled controller re-checks its flag.
const disabledRecheck = 5 * time.Minute

// Config controls one controller instance.
type Config struct {
	Provider     string
	Enabled      bool
	EvalInterval time.Duration
	Step         time.Duration
	MinDelay     time.Duration
}

// Target is one stage throttle driven by the controller. All stages sharing
// the provider's credential pool hang off the same controller so the counter
// window is read and reset exactly once per evaluation.
type Target struct {
	Stage    domain.Stage
	Throttle *throttle.Throttle
}

// Sink receives delay change notifications. Optional.
type Sink interface {
	DelayChanged(ctx context.Context, stage domain.Stage, old, next time.Duration, successRate float64)
}

// Controller periodically evaluates the accepted/rate-limited ratio across
// the provider's credentials and lowers the pacing delay of every target
// stage. The delay only ever moves down; raising it back up is a config
// change, not an automatic reaction.
type Controller struct {
	cfg     Config
	creds   storage.CredentialRepository
	pacing  storage.PacingRepository
	targets []Target
	sink    Sink
	log     *slog.Logger

	enabled atomic.Bool
}

// NewController creates a controller driving the given stage throttles.
func NewController(
	cfg Config,
	creds storage.CredentialRepository,
	pacing storage.PacingRepository,
	targets []Target,
	sink Sink,
) *Controller {
	c := &Controller{
		cfg:     cfg,
		creds:   creds,
		pacing:  pacing,
		targets: targets,
		sink:    sink,
		log: slog.Default().With(
			"component", "adaptive",
			"provider", cfg.Provider,
		),
	}
	c.enabled.Store(cfg.Enabled)
	return c
}

// SetEnabled flips the controller between its Disabled and Enabled states.
func (c *Controller) SetEnabled(on bool) {
	c.enabled.Store(on)
}

// StartupReset zeroes the provider's credential counters so a run never
// reacts to traffic observed before this process started. Runs regardless of
// the enabled flag.
func (c *Controller) StartupReset(ctx context.Context) error {
	if err := c.creds.ResetCounters(ctx, c.cfg.Provider); err != nil {
		return err
	}
	c.log.Info("reset credential counters at startup")
	return nil
}

// Run alternates between the Disabled state (long sleep, re-check the flag)
// and the Enabled state (evaluate every interval) until cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		interval := c.cfg.EvalInterval
		if !c.enabled.Load() {
			interval = disabledRecheck
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if c.enabled.Load() {
			c.evaluate(ctx)
		}
	}
}

func (c *Controller) evaluate(ctx context.Context) {
	success, limited, err := c.creds.AggregateCounters(ctx, c.cfg.Provider)
	if err != nil {
		c.log.Warn("failed to aggregate credential counters", "error", err)
		return
	}

	for _, target := range c.targets {
		current := target.Throttle.Delay()
		next, rate := NextDelay(current, success, limited, c.cfg.Step, c.cfg.MinDelay)

		if next != current {
			target.Throttle.SetDelay(next)
			metrics.PacingDelay.WithLabelValues(target.Stage.String()).Set(next.Seconds())
			if err := c.pacing.SaveDelay(ctx, c.cfg.Provider, target.Stage, next); err != nil {
				c.log.Warn("failed to persist delay", "stage", target.Stage.String(), "error", err)
			}
			if c.sink != nil {
				c.sink.DelayChanged(ctx, target.Stage, current, next, rate)
			}
			c.log.Info("lowered pacing delay",
				"stage", target.Stage.String(), "from", current, "to", next,
				"success_rate", rate, "success", success, "rate_limited", limited)
		} else {
			c.log.Debug("delay at floor",
				"stage", target.Stage.String(), "delay", current,
				"success_rate", rate, "success", success, "rate_limited", limited)
		}
	}

	// A fresh window starts after every evaluation
	if err := c.creds.ResetCounters(ctx, c.cfg.Provider); err != nil {
		c.log.Warn("failed to reset credential counters", "error", err)
	}
}

// NextDelay computes the delay after one evaluation window: one step down,
// clamped at the floor, regardless of the observed rate. The success rate is
// 100% when nothing was observed and is reported for logging only.
func NextDelay(
	current time.Duration,
	success, rateLimited int,
	step, minDelay time.Duration,
) (time.Duration, float64) {
	rate := 100.0
	if success+rateLimited > 0 {
		rate = 100.0 * float64(success) / float64(success+rateLimited)
	}
	next := current - step
	if next < minDelay {
		next = minDelay
	}
	return next, rate
}
