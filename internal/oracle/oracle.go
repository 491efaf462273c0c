package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pegkeeper/internal/chain"
)

// ErrPriceUnavailable is returned when every price source failed. The
// oracle never substitutes a zero or default price.
var ErrPriceUnavailable = errors.New("price unavailable")

// Action is the direction recommendation derived from a deviation.
type Action string

const (
	ActionHold Action = "HOLD"
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// ReferenceRate is one accepted reading from an independent feed.
type ReferenceRate struct {
	Symbol    string
	Value     decimal.Decimal
	UpdatedAt time.Time
	Source    string
}

// PriceSample is an immutable observation of the market. A stale sample
// carries the pool price for the audit trail but must not feed a trade.
type PriceSample struct {
	SqrtPriceX96   *big.Int
	Tick           int64
	Price          decimal.Decimal
	PriceUSD       decimal.Decimal
	PriceAlt       decimal.Decimal
	AltSymbol      string
	ReferenceRates map[string]ReferenceRate
	PriceSource    string
	ObservedAt     time.Time
	Stale          bool
}

// DeviationResult compares a sample against the target peg.
type DeviationResult struct {
	CurrentPrice   decimal.Decimal
	TargetPrice    decimal.Decimal
	DeviationPct   decimal.Decimal
	Recommendation Action
	Stale          bool
}

// Options parameterise the price oracle.
type Options struct {
	BaseToken       common.Address
	QuoteToken      common.Address
	NativeUSDFeed   common.Address
	AltUSDFeed      common.Address
	AltSymbol       string
	LowThresholdPct decimal.Decimal
	MaxFeedAge      time.Duration
	CacheTTL        time.Duration
	TWAPWindow      time.Duration
}

// Oracle converts raw pool state and reference feeds into canonical prices.
type Oracle struct {
	opts   Options
	client chain.Client
	logger zerolog.Logger

	mu       sync.Mutex
	cached   *PriceSample
	cachedAt time.Time

	now func() time.Time
}

// New constructs a price oracle.
func New(opts Options, client chain.Client, logger zerolog.Logger) *Oracle {
	if opts.MaxFeedAge <= 0 {
		opts.MaxFeedAge = 5 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	return &Oracle{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "price_oracle").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetPrice returns the current sample, serving from cache within the TTL
// unless forceRefresh bypasses it.
func (o *Oracle) GetPrice(ctx context.Context, forceRefresh bool) (PriceSample, error) {
	o.mu.Lock()
	if !forceRefresh && o.cached != nil && o.now().Sub(o.cachedAt) < o.opts.CacheTTL {
		sample := *o.cached
		o.mu.Unlock()
		return sample, nil
	}
	o.mu.Unlock()

	sample, err := o.observe(ctx)
	if err != nil {
		return PriceSample{}, err
	}

	o.mu.Lock()
	o.cached = &sample
	o.cachedAt = o.now()
	o.mu.Unlock()

	return sample, nil
}

func (o *Oracle) observe(ctx context.Context) (PriceSample, error) {
	pool, err := o.client.PoolState(ctx)
	if err != nil {
		return PriceSample{}, fmt.Errorf("%w: read pool state: %v", ErrPriceUnavailable, err)
	}

	invert, err := o.orientation(pool)
	if err != nil {
		return PriceSample{}, err
	}

	dec0, err := o.client.TokenDecimals(ctx, pool.Token0)
	if err != nil {
		return PriceSample{}, fmt.Errorf("%w: token0 decimals: %v", ErrPriceUnavailable, err)
	}
	dec1, err := o.client.TokenDecimals(ctx, pool.Token1)
	if err != nil {
		return PriceSample{}, fmt.Errorf("%w: token1 decimals: %v", ErrPriceUnavailable, err)
	}

	price, source := o.poolPrice(ctx, pool, dec0, dec1, invert)
	if price.Sign() <= 0 {
		return PriceSample{}, fmt.Errorf("%w: pool produced non-positive price", ErrPriceUnavailable)
	}

	sample := PriceSample{
		SqrtPriceX96:   new(big.Int).Set(pool.SqrtPriceX96),
		Tick:           pool.Tick,
		Price:          price,
		AltSymbol:      o.opts.AltSymbol,
		ReferenceRates: make(map[string]ReferenceRate),
		PriceSource:    source,
		ObservedAt:     o.now(),
	}

	o.composeCrossRates(ctx, &sample)
	return sample, nil
}

// poolPrice prefers the time-weighted tick and falls back to the spot
// square-root price when observations are unavailable.
func (o *Oracle) poolPrice(ctx context.Context, pool chain.PoolState, dec0, dec1 uint8, invert bool) (decimal.Decimal, string) {
	if o.opts.TWAPWindow > 0 {
		meanTick, err := o.client.ObserveMeanTick(ctx, o.opts.TWAPWindow)
		if err == nil {
			return AdjustRatio(TickToPrice(meanTick), dec0, dec1, invert), "twap"
		}
		o.logger.Debug().Err(err).Msg("twap observation unavailable, using spot price")
	}
	return PriceFromSqrtX96(pool.SqrtPriceX96, dec0, dec1, invert), "spot"
}

// orientation decides whether the raw token1-per-token0 ratio needs
// inverting to express the base token in quote-asset units.
func (o *Oracle) orientation(pool chain.PoolState) (bool, error) {
	switch {
	case pool.Token0 == o.opts.BaseToken && pool.Token1 == o.opts.QuoteToken:
		return false, nil
	case pool.Token0 == o.opts.QuoteToken && pool.Token1 == o.opts.BaseToken:
		return true, nil
	default:
		return false, fmt.Errorf("%w: pool tokens %s/%s do not match configured market", ErrPriceUnavailable, pool.Token0, pool.Token1)
	}
}

// composeCrossRates derives USD and alternate-denomination prices from
// the reference feeds. A missing or stale primary feed marks the sample
// stale rather than letting old data masquerade as fresh.
func (o *Oracle) composeCrossRates(ctx context.Context, sample *PriceSample) {
	if (o.opts.NativeUSDFeed == common.Address{}) {
		return
	}

	native, ok := o.readFeed(ctx, o.opts.NativeUSDFeed, "NATIVE/USD")
	if !ok {
		sample.Stale = true
		return
	}
	sample.ReferenceRates[native.Symbol] = native
	sample.PriceUSD = sample.Price.Mul(native.Value)

	if (o.opts.AltUSDFeed == common.Address{}) || o.opts.AltSymbol == "" {
		return
	}
	alt, ok := o.readFeed(ctx, o.opts.AltUSDFeed, o.opts.AltSymbol+"/USD")
	if !ok || alt.Value.IsZero() {
		return
	}
	sample.ReferenceRates[alt.Symbol] = alt
	sample.PriceAlt = sample.PriceUSD.Div(alt.Value)
}

func (o *Oracle) readFeed(ctx context.Context, feed common.Address, symbol string) (ReferenceRate, bool) {
	reading, err := o.client.LatestRoundData(ctx, feed)
	if err != nil {
		o.logger.Warn().Err(err).Str("feed", symbol).Msg("reference feed read failed")
		return ReferenceRate{}, false
	}

	age := o.now().Sub(reading.UpdatedAt)
	if age > o.opts.MaxFeedAge {
		o.logger.Warn().Str("feed", symbol).Dur("age", age).Msg("reference feed reading too old")
		return ReferenceRate{}, false
	}

	return ReferenceRate{
		Symbol:    symbol,
		Value:     reading.Value,
		UpdatedAt: reading.UpdatedAt,
		Source:    "chainlink",
	}, true
}

// GetDeviation computes the signed deviation from the target peg and a
// direction recommendation.
func (o *Oracle) GetDeviation(ctx context.Context, targetPrice decimal.Decimal) (DeviationResult, error) {
	sample, err := o.GetPrice(ctx, false)
	if err != nil {
		return DeviationResult{}, err
	}
	return Deviation(sample, targetPrice, o.opts.LowThresholdPct), nil
}

// Deviation is the pure comparison used by GetDeviation; a stale sample
// always recommends HOLD.
func Deviation(sample PriceSample, targetPrice, lowThresholdPct decimal.Decimal) DeviationResult {
	deviation := sample.Price.Sub(targetPrice).Div(targetPrice).Mul(decimal.NewFromInt(100))

	recommendation := ActionHold
	switch {
	case sample.Stale:
		recommendation = ActionHold
	case deviation.LessThanOrEqual(lowThresholdPct.Neg()):
		recommendation = ActionBuy
	case deviation.GreaterThanOrEqual(lowThresholdPct):
		recommendation = ActionSell
	}

	return DeviationResult{
		CurrentPrice:   sample.Price,
		TargetPrice:    targetPrice,
		DeviationPct:   deviation,
		Recommendation: recommendation,
		Stale:          sample.Stale,
	}
}
