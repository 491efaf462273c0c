package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	poolABIJSON = `[
		{"inputs":[],"name":"slot0","outputs":[{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},{"internalType":"int24","name":"tick","type":"int24"},{"internalType":"uint16","name":"observationIndex","type":"uint16"},{"internalType":"uint16","name":"observationCardinality","type":"uint16"},{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},{"internalType":"uint8","name":"feeProtocol","type":"uint8"},{"internalType":"bool","name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"liquidity","outputs":[{"internalType":"uint128","name":"","type":"uint128"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"token1","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
		{"inputs":[{"internalType":"uint32[]","name":"secondsAgos","type":"uint32[]"}],"name":"observe","outputs":[{"internalType":"int56[]","name":"tickCumulatives","type":"int56[]"},{"internalType":"uint160[]","name":"secondsPerLiquidityCumulativeX128s","type":"uint160[]"}],"stateMutability":"view","type":"function"}
	]`

	erc20ABIJSON = `[
		{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
	]`

	aggregatorABIJSON = `[
		{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
	]`
)

var (
	poolABI       abi.ABI
	erc20ABI      abi.ABI
	aggregatorABI abi.ABI
)

func init() {
	for _, entry := range []struct {
		raw  string
		dest *abi.ABI
	}{
		{poolABIJSON, &poolABI},
		{erc20ABIJSON, &erc20ABI},
		{aggregatorABIJSON, &aggregatorABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(entry.raw))
		if err != nil {
			panic("failed to parse contract ABI: " + err.Error())
		}
		*entry.dest = parsed
	}
}

// PoolState is a point-in-time snapshot of the concentrated-liquidity pool.
type PoolState struct {
	SqrtPriceX96 *big.Int
	Tick         int64
	Liquidity    *big.Int
	Token0       common.Address
	Token1       common.Address
}

// FeedReading is one observation from a reference price feed.
type FeedReading struct {
	Value     decimal.Decimal
	UpdatedAt time.Time
}

// Client abstracts the RPC surface the bot needs so that the decision core
// never talks to ethclient directly.
type Client interface {
	PoolState(ctx context.Context) (PoolState, error)
	ObserveMeanTick(ctx context.Context, window time.Duration) (int64, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (decimal.Decimal, error)
	NativeBalance(ctx context.Context, owner common.Address) (decimal.Decimal, error)
	LatestRoundData(ctx context.Context, feed common.Address) (FeedReading, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options parameterise the RPC client.
type Options struct {
	RPCURL      string
	PoolAddress common.Address
	Timeout     time.Duration
	Retry       RetryPolicy
}

// RPCClient implements Client on top of ethclient.
type RPCClient struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux  sync.Mutex
	decimalsByCA map[common.Address]uint8
}

// NewRPCClient builds a lazily-dialled RPC client.
func NewRPCClient(opts Options, logger zerolog.Logger) *RPCClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &RPCClient{
		opts:         opts,
		logger:       logger.With().Str("component", "chain_client").Logger(),
		decimalsByCA: make(map[common.Address]uint8),
	}
}

func (c *RPCClient) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// call performs a read-only contract call with timeout and retry applied.
func (c *RPCClient) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var raw []byte
	err = c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		client, dialErr := c.getClient(ctx)
		if dialErr != nil {
			return dialErr
		}
		res, callErr := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
		if callErr != nil {
			return callErr
		}
		raw = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

// PoolState reads slot0, liquidity, and the pool token addresses.
func (c *RPCClient) PoolState(ctx context.Context) (PoolState, error) {
	slot0, err := c.call(ctx, c.opts.PoolAddress, poolABI, "slot0")
	if err != nil {
		return PoolState{}, err
	}
	if len(slot0) < 2 {
		return PoolState{}, errors.New("unexpected slot0 response")
	}

	sqrtPrice, ok := slot0[0].(*big.Int)
	if !ok || sqrtPrice.Sign() <= 0 {
		return PoolState{}, errors.New("slot0 returned invalid sqrt price")
	}
	tick, ok := slot0[1].(*big.Int)
	if !ok {
		return PoolState{}, errors.New("slot0 returned invalid tick")
	}

	liq, err := c.call(ctx, c.opts.PoolAddress, poolABI, "liquidity")
	if err != nil {
		return PoolState{}, err
	}
	liquidity, ok := liq[0].(*big.Int)
	if !ok {
		return PoolState{}, errors.New("liquidity returned invalid value")
	}

	t0, err := c.call(ctx, c.opts.PoolAddress, poolABI, "token0")
	if err != nil {
		return PoolState{}, err
	}
	t1, err := c.call(ctx, c.opts.PoolAddress, poolABI, "token1")
	if err != nil {
		return PoolState{}, err
	}

	token0, ok0 := t0[0].(common.Address)
	token1, ok1 := t1[0].(common.Address)
	if !ok0 || !ok1 {
		return PoolState{}, errors.New("pool token addresses could not be decoded")
	}

	return PoolState{
		SqrtPriceX96: sqrtPrice,
		Tick:         tick.Int64(),
		Liquidity:    liquidity,
		Token0:       token0,
		Token1:       token1,
	}, nil
}

// ObserveMeanTick returns the arithmetic-mean tick over the trailing window.
func (c *RPCClient) ObserveMeanTick(ctx context.Context, window time.Duration) (int64, error) {
	seconds := uint32(window / time.Second)
	if seconds == 0 {
		return 0, errors.New("observation window too short")
	}

	outputs, err := c.call(ctx, c.opts.PoolAddress, poolABI, "observe", []uint32{seconds, 0})
	if err != nil {
		return 0, err
	}
	cumulatives, ok := outputs[0].([]*big.Int)
	if !ok || len(cumulatives) != 2 {
		return 0, errors.New("unexpected observe response")
	}

	delta := new(big.Int).Sub(cumulatives[1], cumulatives[0])
	return meanTick(delta, int64(seconds)), nil
}

// meanTick divides a tick-cumulative delta by the window, flooring
// toward negative infinity as the pool's own tick math does.
func meanTick(delta *big.Int, seconds int64) int64 {
	mean, rem := new(big.Int).QuoRem(delta, big.NewInt(seconds), new(big.Int))
	if delta.Sign() < 0 && rem.Sign() != 0 {
		mean.Sub(mean, big.NewInt(1))
	}
	return mean.Int64()
}

// TokenDecimals reads and caches the decimals of an ERC-20 token.
func (c *RPCClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	c.decimalsMux.Lock()
	if cached, ok := c.decimalsByCA[token]; ok {
		c.decimalsMux.Unlock()
		return cached, nil
	}
	c.decimalsMux.Unlock()

	outputs, err := c.call(ctx, token, erc20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	dec, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("decimals returned invalid value")
	}

	c.decimalsMux.Lock()
	c.decimalsByCA[token] = dec
	c.decimalsMux.Unlock()
	return dec, nil
}

// TokenBalance returns the owner's balance of an ERC-20 token in human units.
func (c *RPCClient) TokenBalance(ctx context.Context, token, owner common.Address) (decimal.Decimal, error) {
	dec, err := c.TokenDecimals(ctx, token)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := c.call(ctx, token, erc20ABI, "balanceOf", owner)
	if err != nil {
		return decimal.Decimal{}, err
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("balanceOf returned invalid value")
	}

	return decimal.NewFromBigInt(raw, -int32(dec)), nil
}

// NativeBalance returns the native-asset balance in human units.
func (c *RPCClient) NativeBalance(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	var raw *big.Int
	err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		client, dialErr := c.getClient(ctx)
		if dialErr != nil {
			return dialErr
		}
		bal, balErr := client.BalanceAt(ctx, owner, nil)
		if balErr != nil {
			return balErr
		}
		raw = bal
		return nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(raw, -18), nil
}

// LatestRoundData reads a Chainlink-style aggregator feed.
func (c *RPCClient) LatestRoundData(ctx context.Context, feed common.Address) (FeedReading, error) {
	decOutputs, err := c.call(ctx, feed, aggregatorABI, "decimals")
	if err != nil {
		return FeedReading{}, err
	}
	feedDecimals, ok := decOutputs[0].(uint8)
	if !ok {
		return FeedReading{}, errors.New("feed decimals could not be decoded")
	}

	outputs, err := c.call(ctx, feed, aggregatorABI, "latestRoundData")
	if err != nil {
		return FeedReading{}, err
	}
	if len(outputs) < 4 {
		return FeedReading{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return FeedReading{}, errors.New("feed returned non-positive answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return FeedReading{}, errors.New("feed updatedAt could not be decoded")
	}

	return FeedReading{
		Value:     decimal.NewFromBigInt(answer, -int32(feedDecimals)),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// SuggestGasPrice proxies the node gas price suggestion.
func (c *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		client, dialErr := c.getClient(ctx)
		if dialErr != nil {
			return dialErr
		}
		p, gasErr := client.SuggestGasPrice(ctx)
		if gasErr != nil {
			return gasErr
		}
		price = p
		return nil
	})
	return price, err
}

// PendingNonce returns the pending nonce for the wallet.
func (c *RPCClient) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, addr)
}

// EstimateGas estimates gas for the given call.
func (c *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.EstimateGas(ctx, msg)
}

// SendTransaction submits a signed transaction. Submission is never retried:
// a resend after an ambiguous failure risks a duplicate trade.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	return client.SendTransaction(ctx, tx)
}

// TransactionReceipt fetches the receipt for a submitted transaction.
func (c *RPCClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, hash)
}

// CallContract executes a read-only call with raw calldata.
func (c *RPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, nil)
}

// ChainID reports the connected chain's ID.
func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.ChainID(ctx)
}

// Close releases the underlying RPC connection if one was dialed.
func (c *RPCClient) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var _ Client = (*RPCClient)(nil)
