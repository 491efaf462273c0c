package safety

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testLimits() Limits {
	return Limits{
		MaxTradeBase:         decimal.NewFromInt(10000),
		MaxTradeQuote:        decimal.NewFromInt(50),
		MaxDailyVolumeQuote:  decimal.NewFromInt(500),
		MinTimeBetweenTrades: 5 * time.Minute,
		MaxConsecutiveErrors: 5,
	}
}

func newTestPolicy(limits Limits) (*Policy, *time.Time) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := NewPolicy(limits, zerolog.Nop())
	p.now = func() time.Time { return current }
	p.state.DailyWindowStart = current
	return p, &current
}

func TestCheckAllowedPerTradeCap(t *testing.T) {
	p, _ := newTestPolicy(testLimits())

	if ok, _ := p.CheckAllowed(decimal.NewFromInt(40), AssetQuote, decimal.NewFromInt(40)); !ok {
		t.Fatal("amount under the cap should be allowed")
	}
	if ok, reason := p.CheckAllowed(decimal.NewFromInt(51), AssetQuote, decimal.NewFromInt(51)); ok {
		t.Fatal("amount over the quote cap should be rejected")
	} else if reason == "" {
		t.Fatal("rejection should carry a reason")
	}
	if ok, _ := p.CheckAllowed(decimal.NewFromInt(9000), AssetBase, decimal.NewFromInt(9)); !ok {
		t.Fatal("base-side amount under the base cap should be allowed")
	}
	if ok, _ := p.CheckAllowed(decimal.NewFromInt(10001), AssetBase, decimal.NewFromInt(11)); ok {
		t.Fatal("amount over the base cap should be rejected")
	}
}

func TestMinTimeBetweenTrades(t *testing.T) {
	p, current := newTestPolicy(testLimits())

	p.RecordSuccess(decimal.NewFromInt(10))

	if ok, _ := p.CheckAllowed(decimal.NewFromInt(1), AssetQuote, decimal.NewFromInt(1)); ok {
		t.Fatal("trade inside the min interval should be rejected")
	}

	*current = current.Add(5 * time.Minute)
	if ok, reason := p.CheckAllowed(decimal.NewFromInt(1), AssetQuote, decimal.NewFromInt(1)); !ok {
		t.Fatalf("trade after the interval should be allowed: %s", reason)
	}
}

func TestDailyVolumeCapAndReset(t *testing.T) {
	limits := testLimits()
	limits.MinTimeBetweenTrades = 0
	p, current := newTestPolicy(limits)

	p.RecordSuccess(decimal.NewFromInt(480))

	// 480 used, 30 more would breach 500.
	if ok, _ := p.CheckAllowed(decimal.NewFromInt(30), AssetQuote, decimal.NewFromInt(30)); ok {
		t.Fatal("trade breaching the daily cap should be rejected")
	}
	if ok, _ := p.CheckAllowed(decimal.NewFromInt(20), AssetQuote, decimal.NewFromInt(20)); !ok {
		t.Fatal("trade exactly filling the cap should be allowed")
	}

	// Crossing UTC midnight resets the window lazily.
	*current = time.Date(2026, 8, 2, 0, 0, 1, 0, time.UTC)
	if ok, reason := p.CheckAllowed(decimal.NewFromInt(30), AssetQuote, decimal.NewFromInt(30)); !ok {
		t.Fatalf("new UTC day should reset the volume window: %s", reason)
	}
	if used := p.Snapshot().DailyVolumeUsed; !used.IsZero() {
		t.Fatalf("volume should be zero after reset, got %s", used)
	}
}

func TestDailyVolumeAccountsQuoteValue(t *testing.T) {
	limits := testLimits()
	limits.MinTimeBetweenTrades = 0
	p, _ := newTestPolicy(limits)

	// A base-denominated trade counts its quote equivalent.
	p.RecordSuccess(decimal.NewFromInt(490))
	if ok, _ := p.CheckAllowed(decimal.NewFromInt(9000), AssetBase, decimal.NewFromInt(11)); ok {
		t.Fatal("base trade whose quote value breaches the cap should be rejected")
	}
	if ok, _ := p.CheckAllowed(decimal.NewFromInt(9000), AssetBase, decimal.NewFromInt(10)); !ok {
		t.Fatal("base trade within the remaining quote budget should be allowed")
	}
}

func TestBreakerTripsAtLimit(t *testing.T) {
	p, _ := newTestPolicy(testLimits())

	for i := 0; i < 4; i++ {
		if tripped := p.RecordFailure("network error"); tripped {
			t.Fatalf("breaker tripped early after %d failures", i+1)
		}
	}
	if !p.RecordFailure("network error") {
		t.Fatal("fifth consecutive failure should trip the breaker")
	}
	if !p.Paused() {
		t.Fatal("tripped breaker should pause trading")
	}

	// Sticky: further failures do not re-trip, and checks keep rejecting.
	if p.RecordFailure("network error") {
		t.Fatal("already-tripped breaker should not report tripping again")
	}
	if ok, _ := p.CheckAllowed(decimal.NewFromInt(1), AssetQuote, decimal.NewFromInt(1)); ok {
		t.Fatal("paused policy should reject all trades")
	}
}

func TestSuccessResetsErrorCounter(t *testing.T) {
	p, current := newTestPolicy(testLimits())

	for i := 0; i < 4; i++ {
		p.RecordFailure("slippage exceeded")
	}
	p.RecordSuccess(decimal.NewFromInt(1))

	if got := p.Snapshot().ConsecutiveErrors; got != 0 {
		t.Fatalf("success should zero the counter, got %d", got)
	}

	*current = current.Add(10 * time.Minute)
	if p.RecordFailure("network error") {
		t.Fatal("single failure after a success should not trip the breaker")
	}
}

func TestClearPauseIsTheOnlyReset(t *testing.T) {
	p, _ := newTestPolicy(testLimits())

	for i := 0; i < 5; i++ {
		p.RecordFailure("gas estimation failed")
	}
	if !p.Paused() {
		t.Fatal("breaker should be tripped")
	}

	p.ClearPause()
	if p.Paused() {
		t.Fatal("ClearPause should lift the pause")
	}
	if got := p.Snapshot().ConsecutiveErrors; got != 0 {
		t.Fatalf("ClearPause should zero the counter, got %d", got)
	}
	if ok, reason := p.CheckAllowed(decimal.NewFromInt(1), AssetQuote, decimal.NewFromInt(1)); !ok {
		t.Fatalf("trading should be allowed after ClearPause: %s", reason)
	}
}

func TestOperatorPause(t *testing.T) {
	p, _ := newTestPolicy(testLimits())

	p.Pause("maintenance")
	if ok, reason := p.CheckAllowed(decimal.NewFromInt(1), AssetQuote, decimal.NewFromInt(1)); ok {
		t.Fatal("operator pause should reject trades")
	} else if reason != "maintenance" {
		t.Fatalf("rejection should carry the pause reason, got %q", reason)
	}
}

func TestRestoreDailyVolume(t *testing.T) {
	limits := testLimits()
	limits.MinTimeBetweenTrades = 0
	p, current := newTestPolicy(limits)

	windowStart := time.Date(current.Year(), current.Month(), current.Day(), 0, 0, 0, 0, time.UTC)
	p.RestoreDailyVolume(decimal.NewFromInt(495), windowStart)

	if ok, _ := p.CheckAllowed(decimal.NewFromInt(10), AssetQuote, decimal.NewFromInt(10)); ok {
		t.Fatal("restored volume should count against the cap")
	}
	if ok, _ := p.CheckAllowed(decimal.NewFromInt(5), AssetQuote, decimal.NewFromInt(5)); !ok {
		t.Fatal("remaining budget should still be spendable")
	}
}
