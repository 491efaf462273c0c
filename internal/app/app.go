package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pegkeeper/internal/alerting"
	"pegkeeper/internal/chain"
	"pegkeeper/internal/config"
	"pegkeeper/internal/controller"
	"pegkeeper/internal/decision"
	"pegkeeper/internal/executor"
	"pegkeeper/internal/metrics"
	"pegkeeper/internal/oracle"
	"pegkeeper/internal/safety"
	"pegkeeper/internal/scheduler"
	"pegkeeper/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) retryPolicy() chain.RetryPolicy {
	r := a.Config.Executor.Retry
	return chain.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
	}
}

func (a *App) newChainClient() *chain.RPCClient {
	return chain.NewRPCClient(chain.Options{
		RPCURL:      a.Config.Ethereum.RPCURL,
		PoolAddress: common.HexToAddress(a.Config.Ethereum.PoolAddress),
		Timeout:     a.Config.Ethereum.RequestTimeout,
		Retry:       a.retryPolicy(),
	}, a.Logger)
}

func (a *App) newOracle(client chain.Client) *oracle.Oracle {
	return oracle.New(oracle.Options{
		BaseToken:       common.HexToAddress(a.Config.Ethereum.BaseToken),
		QuoteToken:      common.HexToAddress(a.Config.Ethereum.QuoteToken),
		NativeUSDFeed:   common.HexToAddress(a.Config.Oracle.NativeUSDFeed),
		AltUSDFeed:      common.HexToAddress(a.Config.Oracle.AltUSDFeed),
		AltSymbol:       a.Config.Oracle.AltSymbol,
		LowThresholdPct: decimal.NewFromFloat(a.Config.Peg.LowThresholdPct),
		MaxFeedAge:      a.Config.Oracle.MaxFeedAge,
		CacheTTL:        a.Config.Oracle.CacheTTL,
		TWAPWindow:      a.Config.Oracle.TWAPWindow,
	}, client, a.Logger)
}

func (a *App) newExecutor(client chain.Client) (*executor.Executor, error) {
	e := a.Config.Executor
	return executor.New(executor.Options{
		Router:           common.HexToAddress(a.Config.Ethereum.RouterAddress),
		BaseToken:        common.HexToAddress(a.Config.Ethereum.BaseToken),
		QuoteToken:       common.HexToAddress(a.Config.Ethereum.QuoteToken),
		Wallet:           common.HexToAddress(a.Config.Ethereum.WalletAddress),
		PrivateKeyHex:    a.Config.Ethereum.PrivateKey,
		ChainID:          a.Config.Ethereum.ChainID,
		FeeBps:           e.FeeBps,
		GasPriceCeiling:  executor.GweiToWei(e.GasPriceCeilingGwei),
		PriorityFee:      executor.GweiToWei(e.PriorityFeeGwei),
		EmergencyFee:     executor.GweiToWei(e.EmergencyPriorityGwei),
		GasReserveNative: decimal.NewFromFloat(e.GasReserveNative),
		ConfirmTimeout:   e.ConfirmTimeout,
	}, client, a.Logger)
}

func (a *App) safetyLimits() safety.Limits {
	s := a.Config.Safety
	return safety.Limits{
		MaxTradeBase:         decimal.NewFromFloat(s.MaxTradeBase),
		MaxTradeQuote:        decimal.NewFromFloat(s.MaxTradeQuote),
		MaxDailyVolumeQuote:  decimal.NewFromFloat(s.MaxDailyVolumeQuote),
		MinTimeBetweenTrades: s.MinTimeBetweenTrades,
		MaxConsecutiveErrors: s.MaxConsecutiveErrors,
	}
}

func (a *App) actionTiers() []decision.Tier {
	t := a.Config.Tiers
	build := func(urgency decision.Urgency, tc config.TierConfig) decision.Tier {
		return decision.Tier{
			Urgency:       urgency,
			ThresholdPct:  decimal.NewFromFloat(tc.ThresholdPct),
			SlippageBps:   tc.SlippageBps,
			GasMultiplier: decimal.NewFromFloat(tc.GasMultiplier),
			SizeFactor:    decimal.NewFromFloat(tc.SizeFactor),
		}
	}
	return []decision.Tier{
		build(decision.UrgencyLow, t.Low),
		build(decision.UrgencyMedium, t.Medium),
		build(decision.UrgencyHigh, t.High),
		build(decision.UrgencyEmergency, t.Emergency),
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newController(store *storage.Store, exec controller.TradeExecutor, prices controller.PriceSource, m *metrics.Metrics) *controller.Controller {
	policy := safety.NewPolicy(a.safetyLimits(), a.Logger)
	engine := decision.NewEngine(a.actionTiers(), decision.Caps{
		MaxTradeBase:  decimal.NewFromFloat(a.Config.Safety.MaxTradeBase),
		MaxTradeQuote: decimal.NewFromFloat(a.Config.Safety.MaxTradeQuote),
	}, policy, a.Logger)

	var trades storage.TradeStore
	var samples storage.SampleStore
	var configs storage.ConfigStore
	if store != nil {
		trades = store
		samples = store
		configs = store
	}

	return controller.New(controller.Options{
		TargetPrice:     decimal.NewFromFloat(a.Config.Peg.TargetPrice),
		LowThresholdPct: decimal.NewFromFloat(a.Config.Peg.LowThresholdPct),
		AlertChannels:   a.Config.Alerting.Channels,
	}, prices, engine, exec, policy, trades, samples, configs, a.newNotifier(), m, a.Logger)
}

// Run executes the long-running stabilisation loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil {
		unlock, acquired, lockErr := store.TryAdvisoryLock(ctx, a.Config.Scheduler.AdvisoryLockKey)
		if lockErr != nil {
			return lockErr
		}
		if !acquired {
			return errors.New("another instance already holds the market lock")
		}
		defer unlock()
	}

	client := a.newChainClient()
	defer client.Close()

	exec, err := a.newExecutor(client)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	a.serveMetrics(ctx, registry)

	ctrl := a.newController(store, exec, a.newOracle(client), m)

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToCycle,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Msg("starting stabilisation loop")
	err = sched.Run(ctx, ctrl.RunCycle)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("stabilisation loop stopped")
	return nil
}

// serveMetrics exposes the registry on the configured address, shutting
// the listener down with the run context.
func (a *App) serveMetrics(ctx context.Context, registry *prometheus.Registry) {
	addr := a.Config.Metrics.ListenAddr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		a.Logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// Pause persists a pause so the running loop stops trading on its next
// cycle. Creates the config snapshot when none exists yet.
func (a *App) Pause(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "paused by operator"
	}
	return a.setPaused(ctx, true, reason)
}

// Resume lifts a persisted pause.
func (a *App) Resume(ctx context.Context) error {
	return a.setPaused(ctx, false, "")
}

func (a *App) setPaused(ctx context.Context, paused bool, reason string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot persist pause state")
	}
	if closeStore != nil {
		defer closeStore()
	}

	err = store.SetPaused(ctx, paused, reason)
	if err == nil {
		a.Logger.Info().Bool("paused", paused).Str("reason", reason).Msg("pause state updated")
		return nil
	}

	// No snapshot row yet: seed one from the file configuration.
	rec := a.configSnapshot()
	rec.Paused = paused
	rec.PauseReason = reason
	if saveErr := store.SaveConfig(ctx, rec); saveErr != nil {
		return fmt.Errorf("save config snapshot: %w", saveErr)
	}
	a.Logger.Info().Bool("paused", paused).Str("reason", reason).Msg("pause state initialised")
	return nil
}

func (a *App) configSnapshot() storage.BotConfigRecord {
	s := a.Config.Safety
	return storage.BotConfigRecord{
		TargetPrice:          decimal.NewFromFloat(a.Config.Peg.TargetPrice),
		MaxTradeBase:         decimal.NewFromFloat(s.MaxTradeBase),
		MaxTradeQuote:        decimal.NewFromFloat(s.MaxTradeQuote),
		MaxDailyVolumeQuote:  decimal.NewFromFloat(s.MaxDailyVolumeQuote),
		MinTimeBetweenTrades: s.MinTimeBetweenTrades,
		MaxConsecutiveErrors: s.MaxConsecutiveErrors,
	}
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show-trades command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure a dry decision cycle.
type SimulateOptions struct {
	Price        decimal.Decimal
	BaseBalance  decimal.Decimal
	QuoteBalance decimal.Decimal
}
