package controller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pegkeeper/internal/alerting"
	"pegkeeper/internal/decision"
	"pegkeeper/internal/executor"
	"pegkeeper/internal/oracle"
	"pegkeeper/internal/safety"
	"pegkeeper/internal/storage"
)

type fakePrices struct {
	sample oracle.PriceSample
	err    error
}

func (f *fakePrices) GetPrice(ctx context.Context, forceRefresh bool) (oracle.PriceSample, error) {
	if f.err != nil {
		return oracle.PriceSample{}, f.err
	}
	return f.sample, nil
}

type fakeExecutor struct {
	balances decision.Balances
	execErr  error
	executed []decision.Decision
}

func (f *fakeExecutor) Balances(ctx context.Context) (decision.Balances, error) {
	return f.balances, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, d decision.Decision) (executor.TradeResult, error) {
	f.executed = append(f.executed, d)
	now := time.Now().UTC()
	result := executor.TradeResult{
		ID:          fmt.Sprintf("trade-%d", len(f.executed)),
		Decision:    d,
		Status:      executor.StatusSuccess,
		TxHash:      "0xabc",
		RealizedOut: d.AmountIn,
		SubmittedAt: now,
		CompletedAt: now,
	}
	if f.execErr != nil {
		result.Status = executor.StatusFailed
		result.ErrorKind = executor.Classify(f.execErr)
		result.ErrorDetail = f.execErr.Error()
		return result, f.execErr
	}
	return result, nil
}

type memoryStore struct {
	trades      []storage.TradeRecord
	samples     []storage.PriceSampleRecord
	config      *storage.BotConfigRecord
	dailyVolume decimal.Decimal

	tradeErr     error
	sampleErr    error
	configErr    error
	setPausedErr error

	pausedSet  *bool
	pauseNote  string
	savedPause int
}

func (m *memoryStore) InsertTrade(ctx context.Context, trade storage.TradeRecord) error {
	if m.tradeErr != nil {
		return m.tradeErr
	}
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memoryStore) ListRecentTrades(ctx context.Context, limit int) ([]storage.TradeRecord, error) {
	return m.trades, nil
}

func (m *memoryStore) DailyVolume(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	return m.dailyVolume, nil
}

func (m *memoryStore) InsertSample(ctx context.Context, sample storage.PriceSampleRecord) error {
	if m.sampleErr != nil {
		return m.sampleErr
	}
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memoryStore) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]storage.PriceSampleRecord, error) {
	return m.samples, nil
}

func (m *memoryStore) ListRecentSamples(ctx context.Context, limit int) ([]storage.PriceSampleRecord, error) {
	return m.samples, nil
}

func (m *memoryStore) LoadConfig(ctx context.Context) (*storage.BotConfigRecord, error) {
	if m.configErr != nil {
		return nil, m.configErr
	}
	return m.config, nil
}

func (m *memoryStore) SaveConfig(ctx context.Context, cfg storage.BotConfigRecord) error {
	m.config = &cfg
	return nil
}

func (m *memoryStore) SetPaused(ctx context.Context, paused bool, reason string) error {
	if m.setPausedErr != nil {
		return m.setPausedErr
	}
	if m.config != nil {
		m.config.Paused = paused
		m.config.PauseReason = reason
	}
	m.pausedSet = &paused
	m.pauseNote = reason
	m.savedPause++
	return nil
}

type fakeNotifier struct {
	notes []alerting.Notification
	err   error
}

func (f *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	f.notes = append(f.notes, note)
	return f.err
}

func testTiers() []decision.Tier {
	return []decision.Tier{
		{Urgency: decision.UrgencyLow, ThresholdPct: decimal.NewFromFloat(0.5), SlippageBps: 30, GasMultiplier: decimal.NewFromFloat(1.0), SizeFactor: decimal.NewFromFloat(0.05)},
		{Urgency: decision.UrgencyMedium, ThresholdPct: decimal.NewFromFloat(2.0), SlippageBps: 50, GasMultiplier: decimal.NewFromFloat(1.2), SizeFactor: decimal.NewFromFloat(0.15)},
		{Urgency: decision.UrgencyHigh, ThresholdPct: decimal.NewFromFloat(5.0), SlippageBps: 100, GasMultiplier: decimal.NewFromFloat(1.5), SizeFactor: decimal.NewFromFloat(0.4)},
		{Urgency: decision.UrgencyEmergency, ThresholdPct: decimal.NewFromFloat(10.0), SlippageBps: 300, GasMultiplier: decimal.NewFromFloat(2.0), SizeFactor: decimal.NewFromFloat(1.0)},
	}
}

type harness struct {
	ctrl     *Controller
	prices   *fakePrices
	exec     *fakeExecutor
	store    *memoryStore
	notifier *fakeNotifier
	policy   *safety.Policy
}

func sampleAt(price float64) oracle.PriceSample {
	return oracle.PriceSample{
		SqrtPriceX96: big.NewInt(1),
		Price:        decimal.NewFromFloat(price),
		PriceSource:  "spot",
		ObservedAt:   time.Now().UTC(),
	}
}

func newHarness(price float64, maxErrors int) *harness {
	policy := safety.NewPolicy(safety.Limits{
		MaxTradeBase:         decimal.NewFromInt(10000),
		MaxTradeQuote:        decimal.NewFromInt(50),
		MaxDailyVolumeQuote:  decimal.NewFromInt(100000),
		MinTimeBetweenTrades: 0,
		MaxConsecutiveErrors: maxErrors,
	}, zerolog.Nop())

	engine := decision.NewEngine(testTiers(), decision.Caps{
		MaxTradeBase:  decimal.NewFromInt(10000),
		MaxTradeQuote: decimal.NewFromInt(50),
	}, policy, zerolog.Nop())

	prices := &fakePrices{sample: sampleAt(price)}
	exec := &fakeExecutor{balances: decision.Balances{
		Base:  decimal.NewFromInt(100000),
		Quote: decimal.NewFromInt(1000),
	}}
	store := &memoryStore{dailyVolume: decimal.Zero}
	notifier := &fakeNotifier{}

	ctrl := New(Options{
		TargetPrice:     decimal.NewFromFloat(1.0),
		LowThresholdPct: decimal.NewFromFloat(0.5),
		AlertChannels:   []string{"telegram"},
	}, prices, engine, exec, policy, store, store, store, notifier, nil, zerolog.Nop())

	return &harness{ctrl: ctrl, prices: prices, exec: exec, store: store, notifier: notifier, policy: policy}
}

func TestCycleSellsWhenOverPeg(t *testing.T) {
	h := newHarness(1.25, 5) // +25%: emergency tier
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))

	require.Len(t, h.exec.executed, 1)
	d := h.exec.executed[0]
	require.Equal(t, oracle.ActionSell, d.Action)
	require.Equal(t, decision.UrgencyEmergency, d.Urgency)
	require.Equal(t, safety.AssetBase, d.SourceAsset)

	// Sample and trade both land in storage.
	require.Len(t, h.store.samples, 1)
	require.Equal(t, "SELL", h.store.samples[0].Recommendation)
	require.Len(t, h.store.trades, 1)
	require.Equal(t, "SUCCESS", h.store.trades[0].Status)

	// Success accounts into the daily window.
	require.True(t, h.policy.Snapshot().DailyVolumeUsed.IsPositive())

	// Emergency tier raises an operator alert even on success.
	require.Len(t, h.notifier.notes, 1)
	require.Equal(t, alerting.EventEmergencyDeviation, h.notifier.notes[0].Event)
}

func TestCycleBuysWhenUnderPeg(t *testing.T) {
	h := newHarness(0.97, 5) // -3%: medium tier
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))

	require.Len(t, h.exec.executed, 1)
	d := h.exec.executed[0]
	require.Equal(t, oracle.ActionBuy, d.Action)
	require.Equal(t, decision.UrgencyMedium, d.Urgency)
	require.Equal(t, safety.AssetQuote, d.SourceAsset)
	require.Empty(t, h.notifier.notes)
}

func TestCycleHoldsInsideBand(t *testing.T) {
	h := newHarness(1.002, 5)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))

	require.Empty(t, h.exec.executed)
	// The observation is still persisted for the audit trail.
	require.Len(t, h.store.samples, 1)
	require.Equal(t, "HOLD", h.store.samples[0].Recommendation)
	require.Empty(t, h.store.trades)
}

func TestCycleHoldsOnStaleSample(t *testing.T) {
	h := newHarness(1.25, 5)
	h.prices.sample.Stale = true
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))

	require.Empty(t, h.exec.executed)
	require.Len(t, h.store.samples, 1)
	require.True(t, h.store.samples[0].Stale)
}

func TestPriceFailureCountsTowardBreaker(t *testing.T) {
	h := newHarness(1.0, 3)
	h.prices.err = fmt.Errorf("%w: rpc down", oracle.ErrPriceUnavailable)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	}

	require.Equal(t, StatePaused, h.ctrl.State())
	require.True(t, h.policy.Paused())

	// The trip is persisted and alerted exactly once.
	require.NotNil(t, h.store.pausedSet)
	require.True(t, *h.store.pausedSet)
	require.Len(t, h.notifier.notes, 1)
	require.Equal(t, alerting.EventBreakerTripped, h.notifier.notes[0].Event)
}

func TestExecutionFailuresTripBreaker(t *testing.T) {
	h := newHarness(1.25, 3)
	h.exec.execErr = fmt.Errorf("%w: replay classified", executor.ErrSlippageExceeded)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	}

	require.Equal(t, StatePaused, h.ctrl.State())
	require.Len(t, h.exec.executed, 3)
	require.NotEmpty(t, h.store.trades)
	for _, trade := range h.store.trades {
		require.Equal(t, "FAILED", trade.Status)
		require.NotNil(t, trade.ErrorKind)
	}
}

func TestStaleUnpausedRowCannotClearUnpersistedTrip(t *testing.T) {
	h := newHarness(1.25, 1)
	h.exec.execErr = executor.ErrNetworkError
	h.store.setPausedErr = errors.New("connection reset by peer")
	h.store.config = &storage.BotConfigRecord{
		TargetPrice:          decimal.NewFromFloat(1.0),
		MaxTradeBase:         decimal.NewFromInt(10000),
		MaxTradeQuote:        decimal.NewFromInt(50),
		MaxDailyVolumeQuote:  decimal.NewFromInt(100000),
		MaxConsecutiveErrors: 1,
	}
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	// The first failure trips the breaker but the pause write is lost.
	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	require.Len(t, h.exec.executed, 1)
	require.Equal(t, StatePaused, h.ctrl.State())

	// The paused=false row predates the trip and must not lift it.
	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	require.Len(t, h.exec.executed, 1)
	require.Equal(t, StatePaused, h.ctrl.State())
	require.True(t, h.policy.Paused())

	// Once the store recovers the pause write is retried and lands.
	h.store.setPausedErr = nil
	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	require.Len(t, h.exec.executed, 1)
	require.True(t, h.store.config.Paused)
	require.Equal(t, StatePaused, h.ctrl.State())
}

func TestPausedCycleStillObserves(t *testing.T) {
	h := newHarness(1.25, 5)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))
	require.NoError(t, h.ctrl.Pause(ctx, "maintenance"))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))

	require.Empty(t, h.exec.executed)
	require.Len(t, h.store.samples, 1)
}

func TestResumeClearsBreaker(t *testing.T) {
	h := newHarness(1.25, 1)
	h.exec.execErr = executor.ErrNetworkError
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	require.Equal(t, StatePaused, h.ctrl.State())

	h.exec.execErr = nil
	require.NoError(t, h.ctrl.Resume(ctx))
	require.Equal(t, StateRunning, h.ctrl.State())

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	require.Len(t, h.exec.executed, 2)
}

func TestPersistenceFailureDoesNotBlockTrading(t *testing.T) {
	h := newHarness(1.25, 5)
	h.store.sampleErr = errors.New("connection refused")
	h.store.tradeErr = errors.New("connection refused")
	h.store.configErr = errors.New("connection refused")
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))

	require.Len(t, h.exec.executed, 1)
	require.False(t, h.policy.Paused())
}

func TestSnapshotOverridesTarget(t *testing.T) {
	h := newHarness(1.05, 5)
	h.store.config = &storage.BotConfigRecord{
		TargetPrice:          decimal.NewFromFloat(1.10),
		MaxTradeBase:         decimal.NewFromInt(10000),
		MaxTradeQuote:        decimal.NewFromInt(50),
		MaxDailyVolumeQuote:  decimal.NewFromInt(500),
		MaxConsecutiveErrors: 5,
	}
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))

	// Against the overridden 1.10 target, 1.05 is under peg: BUY.
	require.Len(t, h.exec.executed, 1)
	require.Equal(t, oracle.ActionBuy, h.exec.executed[0].Action)
	require.True(t, h.ctrl.TargetPrice().Equal(decimal.NewFromFloat(1.10)))
}

func TestBackToBackCyclesRespectMinInterval(t *testing.T) {
	h := newHarness(1.25, 5)
	h.policy.SetLimits(safety.Limits{
		MaxTradeBase:         decimal.NewFromInt(10000),
		MaxTradeQuote:        decimal.NewFromInt(50),
		MaxDailyVolumeQuote:  decimal.NewFromInt(100000),
		MinTimeBetweenTrades: 5 * time.Minute,
		MaxConsecutiveErrors: 5,
	})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	require.Len(t, h.exec.executed, 1)

	// The immediate next cycle falls inside the min trade interval.
	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	require.Len(t, h.exec.executed, 1)
	require.Len(t, h.store.samples, 2)
}

func TestStartRecoversDailyVolume(t *testing.T) {
	h := newHarness(1.25, 5)
	h.store.dailyVolume = decimal.NewFromInt(99000)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx))

	require.True(t, h.policy.Snapshot().DailyVolumeUsed.Equal(decimal.NewFromInt(99000)))

	// The emergency sell is worth 12500 quote, which breaches the
	// remaining 1000 of the recovered daily budget: the cycle holds.
	require.NoError(t, h.ctrl.RunCycle(ctx, time.Now().UTC()))
	require.Empty(t, h.exec.executed)
}
