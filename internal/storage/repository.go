package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTradeSQL = `INSERT INTO trades (
        id,
        action,
        urgency,
        source_asset,
        amount_in,
        quote_value,
        estimated_out,
        realized_out,
        slippage_bps,
        tx_hash,
        status,
        gas_used,
        gas_cost_native,
        error_kind,
        error_detail,
        submitted_at,
        completed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    );`

	listRecentTradesSQL = `SELECT
        id,
        action,
        urgency,
        source_asset,
        amount_in,
        quote_value,
        estimated_out,
        realized_out,
        slippage_bps,
        tx_hash,
        status,
        gas_used,
        gas_cost_native,
        error_kind,
        error_detail,
        submitted_at,
        completed_at,
        created_at
    FROM trades
    ORDER BY submitted_at DESC
    LIMIT $1;`

	dailyVolumeSQL = `SELECT COALESCE(SUM(quote_value::numeric), 0)
    FROM trades
    WHERE status = 'SUCCESS'
      AND completed_at >= $1
      AND completed_at < $2;`

	insertSampleSQL = `INSERT INTO price_samples (
        observed_at,
        price,
        price_usd,
        price_alt,
        target_price,
        deviation_pct,
        recommendation,
        tick,
        sqrt_price_x96,
        price_source,
        stale
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (observed_at) DO UPDATE
    SET
        price          = EXCLUDED.price,
        price_usd      = EXCLUDED.price_usd,
        price_alt      = EXCLUDED.price_alt,
        target_price   = EXCLUDED.target_price,
        deviation_pct  = EXCLUDED.deviation_pct,
        recommendation = EXCLUDED.recommendation,
        tick           = EXCLUDED.tick,
        sqrt_price_x96 = EXCLUDED.sqrt_price_x96,
        price_source   = EXCLUDED.price_source,
        stale          = EXCLUDED.stale;`

	listSamplesBetweenSQL = `SELECT
        observed_at,
        price,
        price_usd,
        price_alt,
        target_price,
        deviation_pct,
        recommendation,
        tick,
        sqrt_price_x96,
        price_source,
        stale,
        created_at
    FROM price_samples
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`

	listRecentSamplesSQL = `SELECT
        observed_at,
        price,
        price_usd,
        price_alt,
        target_price,
        deviation_pct,
        recommendation,
        tick,
        sqrt_price_x96,
        price_source,
        stale,
        created_at
    FROM price_samples
    ORDER BY observed_at DESC
    LIMIT $1;`

	loadConfigSQL = `SELECT
        target_price,
        max_trade_base,
        max_trade_quote,
        max_daily_volume_quote,
        min_trade_interval_seconds,
        max_consecutive_errors,
        paused,
        pause_reason,
        updated_at
    FROM bot_config
    WHERE id = 1;`

	saveConfigSQL = `INSERT INTO bot_config (
        id,
        target_price,
        max_trade_base,
        max_trade_quote,
        max_daily_volume_quote,
        min_trade_interval_seconds,
        max_consecutive_errors,
        paused,
        pause_reason,
        updated_at
    ) VALUES (
        1,$1,$2,$3,$4,$5,$6,$7,$8,NOW()
    )
    ON CONFLICT (id) DO UPDATE
    SET
        target_price               = EXCLUDED.target_price,
        max_trade_base             = EXCLUDED.max_trade_base,
        max_trade_quote            = EXCLUDED.max_trade_quote,
        max_daily_volume_quote     = EXCLUDED.max_daily_volume_quote,
        min_trade_interval_seconds = EXCLUDED.min_trade_interval_seconds,
        max_consecutive_errors     = EXCLUDED.max_consecutive_errors,
        paused                     = EXCLUDED.paused,
        pause_reason               = EXCLUDED.pause_reason,
        updated_at                 = NOW();`

	setPausedSQL = `UPDATE bot_config
    SET paused = $1, pause_reason = $2, updated_at = NOW()
    WHERE id = 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TradeStore defines operations for trade persistence.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade TradeRecord) error
	ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
	DailyVolume(ctx context.Context, day time.Time) (decimal.Decimal, error)
}

// SampleStore defines operations for price sample persistence.
type SampleStore interface {
	InsertSample(ctx context.Context, sample PriceSampleRecord) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSampleRecord, error)
	ListRecentSamples(ctx context.Context, limit int) ([]PriceSampleRecord, error)
}

// ConfigStore defines operations on the runtime config snapshot.
type ConfigStore interface {
	LoadConfig(ctx context.Context) (*BotConfigRecord, error)
	SaveConfig(ctx context.Context, cfg BotConfigRecord) error
	SetPaused(ctx context.Context, paused bool, reason string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to trades, price samples, and bot config.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertTrade persists one execution attempt.
func (s *Store) InsertTrade(ctx context.Context, trade TradeRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var txHash, errKind, errDetail interface{}
	if trade.TxHash != nil {
		txHash = *trade.TxHash
	}
	if trade.ErrorKind != nil {
		errKind = *trade.ErrorKind
	}
	if trade.ErrorDetail != nil {
		errDetail = *trade.ErrorDetail
	}

	_, execErr := pool.Exec(ctx, insertTradeSQL,
		trade.ID,
		trade.Action,
		trade.Urgency,
		trade.SourceAsset,
		trade.AmountIn.String(),
		trade.QuoteValue.String(),
		trade.EstimatedOut.String(),
		trade.RealizedOut.String(),
		trade.SlippageBps,
		txHash,
		trade.Status,
		trade.GasUsed,
		trade.GasCostNative.String(),
		errKind,
		errDetail,
		trade.SubmittedAt,
		trade.CompletedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert trade: %w", execErr)
	}
	return nil
}

// ListRecentTrades lists the most recent trades, newest first.
func (s *Store) ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]TradeRecord, 0, limit)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// DailyVolume sums successful trade quote value within the UTC day.
func (s *Store) DailyVolume(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	start := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var volumeStr string
	if scanErr := pool.QueryRow(ctx, dailyVolumeSQL, start, end).Scan(&volumeStr); scanErr != nil {
		return decimal.Decimal{}, fmt.Errorf("daily volume: %w", scanErr)
	}

	volume, convErr := decimal.NewFromString(volumeStr)
	if convErr != nil {
		return decimal.Decimal{}, fmt.Errorf("parse daily volume: %w", convErr)
	}
	return volume, nil
}

// InsertSample persists or updates a price sample.
func (s *Store) InsertSample(ctx context.Context, sample PriceSampleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertSampleSQL,
		sample.ObservedAt,
		sample.Price.String(),
		sample.PriceUSD.String(),
		sample.PriceAlt.String(),
		sample.TargetPrice.String(),
		sample.DeviationPct.String(),
		sample.Recommendation,
		sample.Tick,
		sample.SqrtPriceX96,
		sample.PriceSource,
		sample.Stale,
	)
	if execErr != nil {
		return fmt.Errorf("insert price sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSampleRecord, 0)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListRecentSamples lists the most recent samples, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]PriceSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSampleRecord, 0, limit)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// LoadConfig reads the runtime config snapshot, nil when unset.
func (s *Store) LoadConfig(ctx context.Context) (*BotConfigRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		rec             BotConfigRecord
		targetStr       string
		maxBaseStr      string
		maxQuoteStr     string
		maxDailyStr     string
		intervalSeconds int64
		pauseReason     sql.NullString
	)

	row := pool.QueryRow(ctx, loadConfigSQL)
	if scanErr := row.Scan(
		&targetStr,
		&maxBaseStr,
		&maxQuoteStr,
		&maxDailyStr,
		&intervalSeconds,
		&rec.MaxConsecutiveErrors,
		&rec.Paused,
		&pauseReason,
		&rec.UpdatedAt,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load config: %w", scanErr)
	}

	for _, conv := range []struct {
		src  string
		dest *decimal.Decimal
	}{
		{targetStr, &rec.TargetPrice},
		{maxBaseStr, &rec.MaxTradeBase},
		{maxQuoteStr, &rec.MaxTradeQuote},
		{maxDailyStr, &rec.MaxDailyVolumeQuote},
	} {
		parsed, convErr := decimal.NewFromString(conv.src)
		if convErr != nil {
			return nil, fmt.Errorf("parse config value: %w", convErr)
		}
		*conv.dest = parsed
	}

	rec.MinTimeBetweenTrades = time.Duration(intervalSeconds) * time.Second
	if pauseReason.Valid {
		rec.PauseReason = pauseReason.String
	}
	return &rec, nil
}

// SaveConfig upserts the runtime config snapshot.
func (s *Store) SaveConfig(ctx context.Context, cfg BotConfigRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, saveConfigSQL,
		cfg.TargetPrice.String(),
		cfg.MaxTradeBase.String(),
		cfg.MaxTradeQuote.String(),
		cfg.MaxDailyVolumeQuote.String(),
		int64(cfg.MinTimeBetweenTrades/time.Second),
		cfg.MaxConsecutiveErrors,
		cfg.Paused,
		cfg.PauseReason,
	)
	if execErr != nil {
		return fmt.Errorf("save config: %w", execErr)
	}
	return nil
}

// SetPaused flips the persisted pause flag.
func (s *Store) SetPaused(ctx context.Context, paused bool, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, setPausedSQL, paused, reason)
	if execErr != nil {
		return fmt.Errorf("set paused: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanTrade(rows pgx.Rows) (TradeRecord, error) {
	var (
		trade        TradeRecord
		amountInStr  string
		quoteValStr  string
		estimatedStr string
		realizedStr  string
		gasCostStr   string
		txHash       sql.NullString
		errKind      sql.NullString
		errDetail    sql.NullString
	)

	if err := rows.Scan(
		&trade.ID,
		&trade.Action,
		&trade.Urgency,
		&trade.SourceAsset,
		&amountInStr,
		&quoteValStr,
		&estimatedStr,
		&realizedStr,
		&trade.SlippageBps,
		&txHash,
		&trade.Status,
		&trade.GasUsed,
		&gasCostStr,
		&errKind,
		&errDetail,
		&trade.SubmittedAt,
		&trade.CompletedAt,
		&trade.CreatedAt,
	); err != nil {
		return TradeRecord{}, err
	}

	for _, conv := range []struct {
		src  string
		dest *decimal.Decimal
	}{
		{amountInStr, &trade.AmountIn},
		{quoteValStr, &trade.QuoteValue},
		{estimatedStr, &trade.EstimatedOut},
		{realizedStr, &trade.RealizedOut},
		{gasCostStr, &trade.GasCostNative},
	} {
		parsed, convErr := decimal.NewFromString(conv.src)
		if convErr != nil {
			return TradeRecord{}, fmt.Errorf("parse trade value: %w", convErr)
		}
		*conv.dest = parsed
	}

	if txHash.Valid {
		v := txHash.String
		trade.TxHash = &v
	}
	if errKind.Valid {
		v := errKind.String
		trade.ErrorKind = &v
	}
	if errDetail.Valid {
		v := errDetail.String
		trade.ErrorDetail = &v
	}
	return trade, nil
}

func scanSample(rows pgx.Rows) (PriceSampleRecord, error) {
	var (
		sample       PriceSampleRecord
		priceStr     string
		priceUSDStr  string
		priceAltStr  string
		targetStr    string
		deviationStr string
	)

	if err := rows.Scan(
		&sample.ObservedAt,
		&priceStr,
		&priceUSDStr,
		&priceAltStr,
		&targetStr,
		&deviationStr,
		&sample.Recommendation,
		&sample.Tick,
		&sample.SqrtPriceX96,
		&sample.PriceSource,
		&sample.Stale,
		&sample.CreatedAt,
	); err != nil {
		return PriceSampleRecord{}, err
	}

	for _, conv := range []struct {
		src  string
		dest *decimal.Decimal
	}{
		{priceStr, &sample.Price},
		{priceUSDStr, &sample.PriceUSD},
		{priceAltStr, &sample.PriceAlt},
		{targetStr, &sample.TargetPrice},
		{deviationStr, &sample.DeviationPct},
	} {
		parsed, convErr := decimal.NewFromString(conv.src)
		if convErr != nil {
			return PriceSampleRecord{}, fmt.Errorf("parse sample value: %w", convErr)
		}
		*conv.dest = parsed
	}

	return sample, nil
}
