package domain

import "time"

// PacingState is the process-wide adaptive pacing tunable. It is persisted in
// the coordination store, written only by the adaptive controller and read by
// the request throttles.
type PacingState struct {
	Provider       string
	CurrentDelay   time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	Step           time.Duration
	EvalInterval   time.Duration
	Enabled        bool
	LastEvaluation time.Time
}

// Clamp forces MinDelay <= CurrentDelay <= MaxDelay. Stored state may have
// been edited by hand; the invariant is restored on every load.
func (p *PacingState) Clamp() {
	if p.CurrentDelay < p.MinDelay {
		p.CurrentDelay = p.MinDelay
	}
	if p.MaxDelay > 0 && p.CurrentDelay > p.MaxDelay {
		p.CurrentDelay = p.MaxDelay
	}
}
