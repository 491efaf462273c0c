package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pegkeeper/internal/chain"
)

var (
	baseAddr  = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	quoteAddr = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	feedAddr  = common.HexToAddress("0x0000000000000000000000000000000000000b03")
)

type fakeChainClient struct {
	pool          chain.PoolState
	poolErr       error
	poolCalls     int
	meanTick      int64
	meanTickErr   error
	decimals      map[common.Address]uint8
	feedValue     decimal.Decimal
	feedUpdatedAt time.Time
	feedErr       error
}

func (f *fakeChainClient) PoolState(ctx context.Context) (chain.PoolState, error) {
	f.poolCalls++
	if f.poolErr != nil {
		return chain.PoolState{}, f.poolErr
	}
	return f.pool, nil
}

func (f *fakeChainClient) ObserveMeanTick(ctx context.Context, window time.Duration) (int64, error) {
	if f.meanTickErr != nil {
		return 0, f.meanTickErr
	}
	return f.meanTick, nil
}

func (f *fakeChainClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if dec, ok := f.decimals[token]; ok {
		return dec, nil
	}
	return 18, nil
}

func (f *fakeChainClient) TokenBalance(ctx context.Context, token, owner common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeChainClient) NativeBalance(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeChainClient) LatestRoundData(ctx context.Context, feed common.Address) (chain.FeedReading, error) {
	if f.feedErr != nil {
		return chain.FeedReading{}, f.feedErr
	}
	return chain.FeedReading{Value: f.feedValue, UpdatedAt: f.feedUpdatedAt}, nil
}

func (f *fakeChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainClient) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeChainClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 0, nil
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeChainClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return nil, nil
}

func (f *fakeChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

var _ chain.Client = (*fakeChainClient)(nil)

func unitPool() chain.PoolState {
	return chain.PoolState{
		SqrtPriceX96: q96Times(1.0),
		Tick:         0,
		Liquidity:    big.NewInt(1_000_000),
		Token0:       baseAddr,
		Token1:       quoteAddr,
	}
}

func newTestOracle(client chain.Client, opts Options) *Oracle {
	if opts.BaseToken == (common.Address{}) {
		opts.BaseToken = baseAddr
	}
	if opts.QuoteToken == (common.Address{}) {
		opts.QuoteToken = quoteAddr
	}
	return New(opts, client, zerolog.Nop())
}

func TestGetPriceSpotFallback(t *testing.T) {
	client := &fakeChainClient{
		pool:        unitPool(),
		meanTickErr: errors.New("observations not initialised"),
	}
	o := newTestOracle(client, Options{TWAPWindow: 3 * time.Minute})

	sample, err := o.GetPrice(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sample.PriceSource != "spot" {
		t.Fatalf("expected spot fallback, got %q", sample.PriceSource)
	}
	if !sample.Price.Sub(decimal.NewFromInt(1)).Abs().LessThan(decimal.NewFromFloat(1e-9)) {
		t.Fatalf("expected unit price, got %s", sample.Price)
	}
}

func TestGetPriceTWAPPreferred(t *testing.T) {
	client := &fakeChainClient{pool: unitPool(), meanTick: 6932} // ~ price 2
	o := newTestOracle(client, Options{TWAPWindow: 3 * time.Minute})

	sample, err := o.GetPrice(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sample.PriceSource != "twap" {
		t.Fatalf("expected twap source, got %q", sample.PriceSource)
	}
	if sample.Price.Sub(decimal.NewFromInt(2)).Abs().GreaterThan(decimal.NewFromFloat(0.001)) {
		t.Fatalf("expected price near 2, got %s", sample.Price)
	}
}

func TestGetPriceCaching(t *testing.T) {
	client := &fakeChainClient{pool: unitPool()}
	o := newTestOracle(client, Options{CacheTTL: time.Minute})

	if _, err := o.GetPrice(context.Background(), false); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	if _, err := o.GetPrice(context.Background(), false); err != nil {
		t.Fatalf("cached read failed: %v", err)
	}
	if client.poolCalls != 1 {
		t.Fatalf("second read should come from cache, pool was read %d times", client.poolCalls)
	}

	if _, err := o.GetPrice(context.Background(), true); err != nil {
		t.Fatalf("forced read failed: %v", err)
	}
	if client.poolCalls != 2 {
		t.Fatalf("forceRefresh should bypass the cache, pool was read %d times", client.poolCalls)
	}
}

func TestGetPriceCacheExpiry(t *testing.T) {
	client := &fakeChainClient{pool: unitPool()}
	o := newTestOracle(client, Options{CacheTTL: 30 * time.Second})

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return current }

	if _, err := o.GetPrice(context.Background(), false); err != nil {
		t.Fatalf("first read failed: %v", err)
	}

	current = current.Add(time.Minute)
	if _, err := o.GetPrice(context.Background(), false); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if client.poolCalls != 2 {
		t.Fatalf("expired cache should trigger a refresh, pool was read %d times", client.poolCalls)
	}
}

func TestGetPriceTokenMismatch(t *testing.T) {
	pool := unitPool()
	pool.Token0 = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	client := &fakeChainClient{pool: pool}
	o := newTestOracle(client, Options{})

	_, err := o.GetPrice(context.Background(), false)
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable for mismatched pool tokens, got %v", err)
	}
}

func TestGetPriceInvertedOrientation(t *testing.T) {
	pool := unitPool()
	pool.Token0, pool.Token1 = quoteAddr, baseAddr
	pool.SqrtPriceX96 = q96Times(2.0) // raw ratio 4 token1/token0
	client := &fakeChainClient{pool: pool}
	o := newTestOracle(client, Options{})

	sample, err := o.GetPrice(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sample.Price.Sub(decimal.NewFromFloat(0.25)).Abs().GreaterThan(decimal.NewFromFloat(1e-9)) {
		t.Fatalf("expected inverted price 0.25, got %s", sample.Price)
	}
}

func TestGetPricePoolError(t *testing.T) {
	client := &fakeChainClient{poolErr: errors.New("connection refused")}
	o := newTestOracle(client, Options{})

	_, err := o.GetPrice(context.Background(), false)
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestStaleFeedMarksSample(t *testing.T) {
	client := &fakeChainClient{
		pool:          unitPool(),
		feedValue:     decimal.NewFromInt(3000),
		feedUpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	o := newTestOracle(client, Options{NativeUSDFeed: feedAddr, MaxFeedAge: 5 * time.Minute})

	sample, err := o.GetPrice(context.Background(), false)
	if err != nil {
		t.Fatalf("stale feed should not fail the read: %v", err)
	}
	if !sample.Stale {
		t.Fatal("expected sample to be marked stale")
	}
	if !sample.Price.IsPositive() {
		t.Fatalf("pool price should still be recorded, got %s", sample.Price)
	}

	dev := Deviation(sample, decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5))
	if dev.Recommendation != ActionHold {
		t.Fatalf("stale sample must recommend HOLD, got %s", dev.Recommendation)
	}
}

func TestFreshFeedComposesUSD(t *testing.T) {
	client := &fakeChainClient{
		pool:          unitPool(),
		feedValue:     decimal.NewFromInt(3000),
		feedUpdatedAt: time.Now().UTC(),
	}
	o := newTestOracle(client, Options{NativeUSDFeed: feedAddr, MaxFeedAge: 5 * time.Minute})

	sample, err := o.GetPrice(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sample.Stale {
		t.Fatal("fresh feed should not mark the sample stale")
	}
	if sample.PriceUSD.Sub(decimal.NewFromInt(3000)).Abs().GreaterThan(decimal.NewFromFloat(0.001)) {
		t.Fatalf("expected USD price near 3000, got %s", sample.PriceUSD)
	}
	if _, ok := sample.ReferenceRates["NATIVE/USD"]; !ok {
		t.Fatal("reference rate should be recorded on the sample")
	}
}

func TestDeviationRecommendations(t *testing.T) {
	target := decimal.NewFromInt(100)
	threshold := decimal.NewFromFloat(0.5)

	cases := []struct {
		name    string
		price   decimal.Decimal
		want    Action
		wantPct decimal.Decimal
	}{
		{"on target", decimal.NewFromInt(100), ActionHold, decimal.Zero},
		{"within band", decimal.NewFromFloat(100.4), ActionHold, decimal.NewFromFloat(0.4)},
		{"below peg", decimal.NewFromInt(98), ActionBuy, decimal.NewFromInt(-2)},
		{"above peg", decimal.NewFromInt(103), ActionSell, decimal.NewFromInt(3)},
		{"exactly at threshold", decimal.NewFromFloat(100.5), ActionSell, decimal.NewFromFloat(0.5)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev := Deviation(PriceSample{Price: tc.price}, target, threshold)
			if dev.Recommendation != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, dev.Recommendation)
			}
			if dev.DeviationPct.Sub(tc.wantPct).Abs().GreaterThan(decimal.NewFromFloat(1e-9)) {
				t.Fatalf("deviation pct: expected %s, got %s", tc.wantPct, dev.DeviationPct)
			}
		})
	}
}
