package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Asset identifies which side of the market an amount is denominated in.
type Asset string

const (
	AssetBase  Asset = "base"
	AssetQuote Asset = "quote"
)

// Limits are the hard caps every execution attempt is gated by.
type Limits struct {
	MaxTradeBase         decimal.Decimal
	MaxTradeQuote        decimal.Decimal
	MaxDailyVolumeQuote  decimal.Decimal
	MinTimeBetweenTrades time.Duration
	MaxConsecutiveErrors int
}

// State is the cross-cycle mutable safety state. Paused is sticky: once
// the breaker trips it stays set until ClearPause.
type State struct {
	DailyVolumeUsed   decimal.Decimal
	DailyWindowStart  time.Time
	ConsecutiveErrors int
	LastTradeAt       time.Time
	Paused            bool
	PauseReason       string
}

// Policy gates trades against the configured limits. All methods are
// safe for concurrent use, though the controller serialises cycles.
type Policy struct {
	mu     sync.Mutex
	limits Limits
	state  State
	logger zerolog.Logger

	now func() time.Time
}

// NewPolicy constructs a safety policy with a fresh daily window.
func NewPolicy(limits Limits, logger zerolog.Logger) *Policy {
	p := &Policy{
		limits: limits,
		logger: logger.With().Str("component", "safety_policy").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	p.state.DailyVolumeUsed = decimal.Zero
	p.state.DailyWindowStart = p.now()
	return p
}

// CheckAllowed evaluates whether a candidate trade may proceed. amount is
// denominated in the source asset; quoteValue is its quote-asset
// equivalent, which is what the daily volume cap accounts in.
func (p *Policy) CheckAllowed(amount decimal.Decimal, asset Asset, quoteValue decimal.Decimal) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetDailyWindowLocked()

	if p.state.Paused {
		reason := p.state.PauseReason
		if reason == "" {
			reason = "trading paused"
		}
		return false, reason
	}

	if p.limits.MaxConsecutiveErrors > 0 && p.state.ConsecutiveErrors >= p.limits.MaxConsecutiveErrors {
		p.tripLocked(fmt.Sprintf("circuit breaker: %d consecutive errors", p.state.ConsecutiveErrors))
		return false, p.state.PauseReason
	}

	if p.limits.MinTimeBetweenTrades > 0 && !p.state.LastTradeAt.IsZero() {
		elapsed := p.now().Sub(p.state.LastTradeAt)
		if elapsed < p.limits.MinTimeBetweenTrades {
			return false, fmt.Sprintf("min trade interval not elapsed (%s remaining)", p.limits.MinTimeBetweenTrades-elapsed)
		}
	}

	if p.limits.MaxDailyVolumeQuote.Sign() > 0 {
		if p.state.DailyVolumeUsed.Add(quoteValue).GreaterThan(p.limits.MaxDailyVolumeQuote) {
			return false, fmt.Sprintf("daily volume cap exceeded (used %s of %s)", p.state.DailyVolumeUsed, p.limits.MaxDailyVolumeQuote)
		}
	}

	cap := p.limits.MaxTradeQuote
	if asset == AssetBase {
		cap = p.limits.MaxTradeBase
	}
	if cap.Sign() > 0 && amount.GreaterThan(cap) {
		return false, fmt.Sprintf("amount %s exceeds per-trade cap %s (%s)", amount, cap, asset)
	}

	return true, ""
}

// RecordSuccess accounts a completed trade.
func (p *Policy) RecordSuccess(quoteValue decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetDailyWindowLocked()
	p.state.DailyVolumeUsed = p.state.DailyVolumeUsed.Add(quoteValue)
	p.state.ConsecutiveErrors = 0
	p.state.LastTradeAt = p.now()
}

// RecordFailure increments the consecutive-error counter and trips the
// breaker at the limit. It reports whether this call tripped it.
func (p *Policy) RecordFailure(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.ConsecutiveErrors++
	p.logger.Warn().Int("consecutive_errors", p.state.ConsecutiveErrors).Str("reason", reason).Msg("cycle failure recorded")

	if p.limits.MaxConsecutiveErrors > 0 && p.state.ConsecutiveErrors >= p.limits.MaxConsecutiveErrors && !p.state.Paused {
		p.tripLocked(fmt.Sprintf("circuit breaker: %d consecutive errors (last: %s)", p.state.ConsecutiveErrors, reason))
		return true
	}
	return false
}

// ResetDailyWindowIfNeeded applies the lazy UTC-day rollover.
func (p *Policy) ResetDailyWindowIfNeeded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetDailyWindowLocked()
}

func (p *Policy) resetDailyWindowLocked() {
	now := p.now()
	if sameUTCDay(p.state.DailyWindowStart, now) {
		return
	}
	p.logger.Info().Str("volume_used", p.state.DailyVolumeUsed.String()).Msg("daily volume window reset")
	p.state.DailyVolumeUsed = decimal.Zero
	p.state.DailyWindowStart = now
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (p *Policy) tripLocked(reason string) {
	p.state.Paused = true
	p.state.PauseReason = reason
	p.logger.Error().Str("reason", reason).Msg("safety breaker tripped, trading paused")
}

// Pause halts trading with an operator-supplied reason.
func (p *Policy) Pause(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Paused = true
	p.state.PauseReason = reason
}

// ClearPause lifts a pause and zeroes the error counter. This is the only
// way a tripped breaker resets.
func (p *Policy) ClearPause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Paused = false
	p.state.PauseReason = ""
	p.state.ConsecutiveErrors = 0
	p.logger.Info().Msg("pause cleared")
}

// Paused reports the sticky pause flag.
func (p *Policy) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Paused
}

// Snapshot returns a copy of the current state.
func (p *Policy) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetLimits swaps in a new limit set; the running cycle's checks use
// whichever snapshot was active when they ran.
func (p *Policy) SetLimits(limits Limits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits = limits
}

// RestoreDailyVolume reconstructs the daily window after a restart from
// persisted trade history.
func (p *Policy) RestoreDailyVolume(used decimal.Decimal, windowStart time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.DailyVolumeUsed = used
	p.state.DailyWindowStart = windowStart
}
