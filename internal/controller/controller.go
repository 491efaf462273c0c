package controller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pegkeeper/internal/alerting"
	"pegkeeper/internal/decision"
	"pegkeeper/internal/executor"
	"pegkeeper/internal/metrics"
	"pegkeeper/internal/oracle"
	"pegkeeper/internal/safety"
	"pegkeeper/internal/storage"
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

const kindPriceUnavailable = "PRICE_UNAVAILABLE"

// PriceSource yields market samples. Satisfied by the price oracle.
type PriceSource interface {
	GetPrice(ctx context.Context, forceRefresh bool) (oracle.PriceSample, error)
}

// TradeExecutor submits sized decisions. Satisfied by the executor.
type TradeExecutor interface {
	Balances(ctx context.Context) (decision.Balances, error)
	Execute(ctx context.Context, d decision.Decision) (executor.TradeResult, error)
}

// Options parameterise the controller.
type Options struct {
	TargetPrice     decimal.Decimal
	LowThresholdPct decimal.Decimal
	AlertChannels   []string
}

// Controller runs the observe-decide-execute cycle. A single mutex
// serialises cycles and operator commands; there is never more than one
// in-flight trade.
type Controller struct {
	opts     Options
	prices   PriceSource
	engine   *decision.Engine
	executor TradeExecutor
	policy   *safety.Policy
	trades   storage.TradeStore
	samples  storage.SampleStore
	configs  storage.ConfigStore
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	targetPrice decimal.Decimal
	// pauseUnsynced marks a live pause whose SetPaused write has not
	// succeeded yet. While set, a paused=false config row is stale and
	// must not clear the pause.
	pauseUnsynced bool
}

// New constructs a controller in the IDLE state. Stores and notifier may
// be nil; persistence and alerting then degrade to logging.
func New(
	opts Options,
	prices PriceSource,
	engine *decision.Engine,
	exec TradeExecutor,
	policy *safety.Policy,
	trades storage.TradeStore,
	samples storage.SampleStore,
	configs storage.ConfigStore,
	notifier alerting.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Controller {
	return &Controller{
		opts:        opts,
		prices:      prices,
		engine:      engine,
		executor:    exec,
		policy:      policy,
		trades:      trades,
		samples:     samples,
		configs:     configs,
		notifier:    notifier,
		metrics:     m,
		logger:      logger.With().Str("component", "bot_controller").Logger(),
		state:       StateIdle,
		targetPrice: opts.TargetPrice,
	}
}

// Start recovers persisted state and transitions IDLE -> RUNNING (or
// PAUSED when a persisted pause is in force). A restart inside a UTC day
// resumes that day's volume accounting rather than resetting it.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.trades != nil {
		now := time.Now().UTC()
		used, err := c.trades.DailyVolume(ctx, now)
		if err != nil {
			c.logger.Warn().Err(err).Msg("daily volume recovery failed, starting window at zero")
		} else {
			windowStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			c.policy.RestoreDailyVolume(used, windowStart)
			c.logger.Info().Str("volume_used", used.String()).Msg("daily volume window recovered")
		}
	}

	c.applySnapshotLocked(ctx)

	c.state = StateRunning
	if c.policy.Paused() {
		c.state = StatePaused
	}
	c.logger.Info().Str("state", string(c.state)).Str("target_price", c.targetPrice.String()).Msg("controller started")
	return nil
}

// RunCycle executes one observe-decide-execute pass. It always returns
// nil for failures the breaker accounts for; the scheduler must keep
// ticking regardless of cycle outcomes.
func (c *Controller) RunCycle(ctx context.Context, startedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CyclesTotal.Inc()
	}

	c.applySnapshotLocked(ctx)

	sample, err := c.prices.GetPrice(ctx, false)
	if err != nil {
		c.logger.Warn().Err(err).Msg("price observation failed, holding")
		c.recordFailureLocked(ctx, kindPriceUnavailable, err.Error())
		c.publishGaugesLocked()
		return nil
	}

	dev := oracle.Deviation(sample, c.targetPrice, c.opts.LowThresholdPct)
	c.persistSample(ctx, sample, dev)

	if c.metrics != nil {
		devFloat, _ := dev.DeviationPct.Float64()
		c.metrics.DeviationPct.Set(devFloat)
	}

	logEvent := c.logger.Info().
		Str("price", dev.CurrentPrice.String()).
		Str("deviation_pct", dev.DeviationPct.StringFixed(3)).
		Str("recommendation", string(dev.Recommendation)).
		Bool("stale", dev.Stale)

	if c.state == StatePaused {
		logEvent.Msg("cycle observed market while paused")
		c.publishGaugesLocked()
		return nil
	}

	balances, err := c.executor.Balances(ctx)
	if err != nil {
		logEvent.Msg("cycle observed market")
		c.logger.Warn().Err(err).Msg("balance read failed, holding")
		c.recordFailureLocked(ctx, executor.Classify(err), err.Error())
		c.publishGaugesLocked()
		return nil
	}

	d := c.engine.Decide(dev, balances)
	if d.IsHold() {
		if d.HoldReason != "" {
			logEvent = logEvent.Str("hold_reason", d.HoldReason)
		}
		logEvent.Msg("cycle held")
		c.publishGaugesLocked()
		return nil
	}
	logEvent.
		Str("action", string(d.Action)).
		Str("urgency", d.Urgency.String()).
		Str("amount_in", d.AmountIn.String()).
		Msg("cycle produced trade decision")

	if d.Urgency == decision.UrgencyEmergency {
		c.alert(ctx, alerting.Notification{
			Event:        alerting.EventEmergencyDeviation,
			At:           startedAt,
			CurrentPrice: dev.CurrentPrice,
			TargetPrice:  dev.TargetPrice,
			DeviationPct: dev.DeviationPct,
			Reason:       "deviation reached emergency tier",
			Channels:     c.opts.AlertChannels,
		})
	}

	result, execErr := c.executor.Execute(ctx, d)
	c.persistTrade(ctx, result)

	if c.metrics != nil {
		c.metrics.TradesTotal.WithLabelValues(string(result.Status)).Inc()
	}

	if execErr != nil {
		c.logger.Error().Err(execErr).
			Str("trade_id", result.ID).
			Str("error_kind", result.ErrorKind).
			Msg("trade execution failed")
		c.breakerCheckLocked(ctx, startedAt, dev, c.policy.RecordFailure(result.ErrorKind))
		c.publishGaugesLocked()
		return nil
	}

	c.policy.RecordSuccess(d.QuoteValue)
	c.logger.Info().
		Str("trade_id", result.ID).
		Str("tx_hash", result.TxHash).
		Str("realized_out", result.RealizedOut.String()).
		Msg("trade executed")
	c.publishGaugesLocked()
	return nil
}

// recordFailureLocked accounts a pre-execution failure against the
// breaker and persists nothing but the counter state.
func (c *Controller) recordFailureLocked(ctx context.Context, kind, detail string) {
	tripped := c.policy.RecordFailure(kind + ": " + detail)
	c.breakerCheckLocked(ctx, time.Now().UTC(), oracle.DeviationResult{TargetPrice: c.targetPrice}, tripped)
}

func (c *Controller) breakerCheckLocked(ctx context.Context, at time.Time, dev oracle.DeviationResult, tripped bool) {
	if !tripped {
		return
	}

	c.state = StatePaused
	snapshot := c.policy.Snapshot()
	c.persistPauseLocked(ctx, snapshot.PauseReason)

	c.alert(ctx, alerting.Notification{
		Event:        alerting.EventBreakerTripped,
		At:           at,
		CurrentPrice: dev.CurrentPrice,
		TargetPrice:  dev.TargetPrice,
		DeviationPct: dev.DeviationPct,
		Reason:       snapshot.PauseReason,
		Channels:     c.opts.AlertChannels,
	})
}

// persistPauseLocked writes the paused flag and remembers a failed write
// so the next cycle retries it instead of trusting a stale row.
func (c *Controller) persistPauseLocked(ctx context.Context, reason string) {
	if c.configs == nil {
		return
	}
	if err := c.configs.SetPaused(ctx, true, reason); err != nil {
		c.pauseUnsynced = true
		c.logger.Warn().Err(err).Msg("persisting pause failed, will retry next cycle")
		return
	}
	c.pauseUnsynced = false
}

// applySnapshotLocked loads the persisted runtime config and applies it
// to the live policy and target. Persistence failures keep the last
// known snapshot; the cycle never blocks on the database.
func (c *Controller) applySnapshotLocked(ctx context.Context) {
	if c.configs == nil {
		return
	}

	rec, err := c.configs.LoadConfig(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("runtime config load failed, keeping last known snapshot")
		return
	}
	if rec == nil {
		return
	}

	if rec.TargetPrice.Sign() > 0 {
		c.targetPrice = rec.TargetPrice
	}
	c.policy.SetLimits(safety.Limits{
		MaxTradeBase:         rec.MaxTradeBase,
		MaxTradeQuote:        rec.MaxTradeQuote,
		MaxDailyVolumeQuote:  rec.MaxDailyVolumeQuote,
		MinTimeBetweenTrades: rec.MinTimeBetweenTrades,
		MaxConsecutiveErrors: rec.MaxConsecutiveErrors,
	})

	if rec.Paused && !c.policy.Paused() {
		c.policy.Pause(rec.PauseReason)
		c.state = StatePaused
		c.pauseUnsynced = false
	}
	if !rec.Paused && c.policy.Paused() {
		if c.pauseUnsynced {
			// The row predates a pause whose write failed. It must not
			// lift the breaker; re-persist the pause instead.
			c.persistPauseLocked(ctx, c.policy.Snapshot().PauseReason)
			return
		}
		c.policy.ClearPause()
		if c.state == StatePaused {
			c.state = StateRunning
		}
	}
}

func (c *Controller) persistSample(ctx context.Context, sample oracle.PriceSample, dev oracle.DeviationResult) {
	if c.samples == nil {
		return
	}

	rec := storage.PriceSampleRecord{
		ObservedAt:     sample.ObservedAt.Truncate(time.Second),
		Price:          sample.Price,
		PriceUSD:       sample.PriceUSD,
		PriceAlt:       sample.PriceAlt,
		TargetPrice:    dev.TargetPrice,
		DeviationPct:   dev.DeviationPct,
		Recommendation: string(dev.Recommendation),
		Tick:           sample.Tick,
		SqrtPriceX96:   sample.SqrtPriceX96.String(),
		PriceSource:    sample.PriceSource,
		Stale:          sample.Stale,
	}
	if err := c.samples.InsertSample(ctx, rec); err != nil {
		c.logger.Warn().Err(err).Msg("price sample persistence failed")
	}
}

func (c *Controller) persistTrade(ctx context.Context, result executor.TradeResult) {
	if c.trades == nil {
		return
	}

	rec := storage.TradeRecord{
		ID:            result.ID,
		Action:        string(result.Decision.Action),
		Urgency:       result.Decision.Urgency.String(),
		SourceAsset:   string(result.Decision.SourceAsset),
		AmountIn:      result.Decision.AmountIn,
		QuoteValue:    result.Decision.QuoteValue,
		EstimatedOut:  result.Decision.EstimatedOut,
		RealizedOut:   result.RealizedOut,
		SlippageBps:   result.Decision.SlippageBps,
		Status:        string(result.Status),
		GasUsed:       int64(result.GasUsed),
		GasCostNative: result.GasCostNative,
		SubmittedAt:   result.SubmittedAt,
		CompletedAt:   result.CompletedAt,
	}
	if result.TxHash != "" {
		hash := result.TxHash
		rec.TxHash = &hash
	}
	if result.ErrorKind != "" {
		kind := result.ErrorKind
		rec.ErrorKind = &kind
	}
	if result.ErrorDetail != "" {
		detail := result.ErrorDetail
		rec.ErrorDetail = &detail
	}

	if err := c.trades.InsertTrade(ctx, rec); err != nil {
		c.logger.Warn().Err(err).Str("trade_id", result.ID).Msg("trade persistence failed")
	}
}

func (c *Controller) publishGaugesLocked() {
	if c.metrics == nil {
		return
	}
	snapshot := c.policy.Snapshot()
	c.metrics.ConsecutiveErrors.Set(float64(snapshot.ConsecutiveErrors))
	volume, _ := snapshot.DailyVolumeUsed.Float64()
	c.metrics.DailyVolumeUsed.Set(volume)
	if snapshot.Paused {
		c.metrics.BreakerTripped.Set(1)
	} else {
		c.metrics.BreakerTripped.Set(0)
	}
}

func (c *Controller) alert(ctx context.Context, note alerting.Notification) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, note); err != nil {
		c.logger.Warn().Err(err).Str("event", string(note.Event)).Msg("alert delivery failed")
	}
}

// Pause halts trading with an operator reason. Observation cycles keep
// running; execution stops until Resume.
func (c *Controller) Pause(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.policy.Pause(reason)
	c.state = StatePaused
	if c.configs != nil {
		if err := c.configs.SetPaused(ctx, true, reason); err != nil {
			c.pauseUnsynced = true
			return err
		}
	}
	c.pauseUnsynced = false
	c.logger.Info().Str("reason", reason).Msg("trading paused")
	return nil
}

// Resume lifts a pause and resets the error counter. This is the only
// path out of a tripped breaker.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.policy.ClearPause()
	c.state = StateRunning
	c.pauseUnsynced = false
	if c.configs != nil {
		if err := c.configs.SetPaused(ctx, false, ""); err != nil {
			return err
		}
	}
	c.logger.Info().Msg("trading resumed")
	return nil
}

// State reports the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TargetPrice reports the effective peg target after snapshot overrides.
func (c *Controller) TargetPrice() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetPrice
}
