package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pegkeeper/internal/chain"
	"pegkeeper/internal/decision"
	"pegkeeper/internal/oracle"
	"pegkeeper/internal/safety"
)

const routerABIJSON = `[
	{"inputs":[{"components":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"},{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMinimum","type":"uint256"},{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],"internalType":"struct ISwapRouter.ExactInputSingleParams","name":"params","type":"tuple"}],"name":"exactInputSingle","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"}
]`

var (
	routerABI         abi.ABI
	transferEventHash common.Hash
	bpsDenominator    = decimal.NewFromInt(10_000)
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic("failed to parse router ABI: " + err.Error())
	}
	routerABI = parsed
	transferEventHash = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
}

// Status is the terminal state of an execution attempt.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusReverted Status = "REVERTED"
)

// Quote is a pre-trade estimate from current pool state.
type Quote struct {
	AmountOut      decimal.Decimal
	PriceImpactBps int64
	FeeBps         int64
}

// TradeResult records one execution attempt, successful or not.
type TradeResult struct {
	ID            string
	Decision      decision.Decision
	TxHash        string
	Status        Status
	GasUsed       uint64
	GasCostNative decimal.Decimal
	RealizedOut   decimal.Decimal
	ErrorKind     string
	ErrorDetail   string
	SubmittedAt   time.Time
	CompletedAt   time.Time
}

// Options parameterise the executor. The wallet's router allowance is
// assumed to be granted out of band.
type Options struct {
	Router           common.Address
	BaseToken        common.Address
	QuoteToken       common.Address
	Wallet           common.Address
	PrivateKeyHex    string
	ChainID          int64
	FeeBps           int64
	GasPriceCeiling  *big.Int
	PriorityFee      *big.Int
	EmergencyFee     *big.Int
	GasReserveNative decimal.Decimal
	ConfirmTimeout   time.Duration
}

// Executor turns a sized decision into exactly one signed swap. The
// controller's single-writer discipline guarantees no two executions
// overlap on the same wallet.
type Executor struct {
	opts   Options
	client chain.Client
	logger zerolog.Logger
	key    *ecdsa.PrivateKey
}

// New constructs an executor. The private key may be empty for
// estimate-only use; Execute then fails fast.
func New(opts Options, client chain.Client, logger zerolog.Logger) (*Executor, error) {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}

	var key *ecdsa.PrivateKey
	if opts.PrivateKeyHex != "" {
		parsed, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse wallet key: %w", err)
		}
		key = parsed
	}

	return &Executor{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "trade_executor").Logger(),
		key:    key,
	}, nil
}

// Balances reads the wallet's base and quote holdings.
func (x *Executor) Balances(ctx context.Context) (decision.Balances, error) {
	base, err := x.client.TokenBalance(ctx, x.opts.BaseToken, x.opts.Wallet)
	if err != nil {
		return decision.Balances{}, fmt.Errorf("%w: base balance: %v", ErrNetworkError, err)
	}
	quote, err := x.client.TokenBalance(ctx, x.opts.QuoteToken, x.opts.Wallet)
	if err != nil {
		return decision.Balances{}, fmt.Errorf("%w: quote balance: %v", ErrNetworkError, err)
	}
	return decision.Balances{Base: base, Quote: quote}, nil
}

func (x *Executor) tokensFor(action oracle.Action) (tokenIn, tokenOut common.Address) {
	if action == oracle.ActionBuy {
		return x.opts.QuoteToken, x.opts.BaseToken
	}
	return x.opts.BaseToken, x.opts.QuoteToken
}

// Estimate computes the expected output and price impact for a swap of
// amountIn against the current pool state.
func (x *Executor) Estimate(ctx context.Context, action oracle.Action, amountIn decimal.Decimal) (Quote, error) {
	if amountIn.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: non-positive amount", ErrInsufficientLiquidity)
	}

	pool, err := x.client.PoolState(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: read pool state: %v", ErrNetworkError, err)
	}

	tokenIn, tokenOut := x.tokensFor(action)

	decIn, err := x.client.TokenDecimals(ctx, tokenIn)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: token decimals: %v", ErrNetworkError, err)
	}
	decOut, err := x.client.TokenDecimals(ctx, tokenOut)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: token decimals: %v", ErrNetworkError, err)
	}

	reserve0, reserve1 := oracle.VirtualReserves(pool.SqrtPriceX96, pool.Liquidity)
	reserveIn, reserveOut := reserve0, reserve1
	if tokenIn == pool.Token1 {
		reserveIn, reserveOut = reserve1, reserve0
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: pool has no active liquidity", ErrInsufficientLiquidity)
	}

	amountInRaw := amountIn.Shift(int32(decIn))
	feeFactor := decimal.New(1, 0).Sub(decimal.NewFromInt(x.opts.FeeBps).Div(bpsDenominator))
	effectiveIn := amountInRaw.Mul(feeFactor)

	amountOutRaw := reserveOut.Mul(effectiveIn).Div(reserveIn.Add(effectiveIn))
	if amountOutRaw.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: estimated output is zero", ErrInsufficientLiquidity)
	}

	// Impact is measured net of the pool fee so a tier's slippage bound
	// caps price movement, not the fee floor itself.
	midPrice := reserveOut.Div(reserveIn)
	execPrice := amountOutRaw.Div(effectiveIn)
	impact := decimal.New(1, 0).Sub(execPrice.Div(midPrice)).Mul(bpsDenominator)

	return Quote{
		AmountOut:      amountOutRaw.Shift(-int32(decOut)),
		PriceImpactBps: impact.Round(0).IntPart(),
		FeeBps:         x.opts.FeeBps,
	}, nil
}

// gasPrice resolves the fee cap and tip for the decision's urgency tier.
func (x *Executor) gasPrice(ctx context.Context, d decision.Decision) (feeCap, tip *big.Int, err error) {
	base, err := x.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: suggest gas price: %v", ErrNetworkError, err)
	}

	scaled := decimal.NewFromBigInt(base, 0).Mul(d.GasMultiplier).Round(0).BigInt()
	if x.opts.GasPriceCeiling != nil && x.opts.GasPriceCeiling.Sign() > 0 && scaled.Cmp(x.opts.GasPriceCeiling) > 0 {
		scaled = new(big.Int).Set(x.opts.GasPriceCeiling)
	}

	tip = x.opts.PriorityFee
	if d.Urgency == decision.UrgencyEmergency && x.opts.EmergencyFee != nil {
		tip = x.opts.EmergencyFee
	}
	if tip == nil {
		tip = big.NewInt(0)
	}
	if scaled.Cmp(tip) < 0 {
		scaled = new(big.Int).Set(tip)
	}
	return scaled, tip, nil
}

func (x *Executor) checkFunds(ctx context.Context, d decision.Decision, gasCostWei *big.Int) error {
	balances, err := x.Balances(ctx)
	if err != nil {
		return err
	}

	available := balances.Quote
	if d.SourceAsset == safety.AssetBase {
		available = balances.Base
	}
	if available.LessThan(d.AmountIn) {
		return fmt.Errorf("%w: need %s, have %s %s", ErrInsufficientFunds, d.AmountIn, available, d.SourceAsset)
	}

	native, err := x.client.NativeBalance(ctx, x.opts.Wallet)
	if err != nil {
		return fmt.Errorf("%w: native balance: %v", ErrNetworkError, err)
	}
	needed := x.opts.GasReserveNative.Add(decimal.NewFromBigInt(gasCostWei, -18))
	if native.LessThan(needed) {
		return fmt.Errorf("%w: native balance %s below gas requirement %s", ErrInsufficientFunds, native, needed)
	}
	return nil
}

// Execute submits exactly one swap for the decision and waits for its
// receipt. Failures before submission never produce an on-chain tx.
func (x *Executor) Execute(ctx context.Context, d decision.Decision) (TradeResult, error) {
	result := TradeResult{
		ID:          uuid.NewString(),
		Decision:    d,
		Status:      StatusFailed,
		SubmittedAt: time.Now().UTC(),
	}

	fail := func(err error) (TradeResult, error) {
		result.Status = StatusFailed
		result.ErrorKind = Classify(err)
		result.ErrorDetail = err.Error()
		result.CompletedAt = time.Now().UTC()
		return result, err
	}

	if x.key == nil {
		return fail(fmt.Errorf("%w: wallet key not configured", ErrNetworkError))
	}
	if d.IsHold() {
		return fail(fmt.Errorf("%w: refusing to execute a HOLD decision", ErrNetworkError))
	}

	quote, err := x.Estimate(ctx, d.Action, d.AmountIn)
	if err != nil {
		return fail(err)
	}
	if quote.PriceImpactBps > d.SlippageBps {
		return fail(fmt.Errorf("%w: price impact %d bps exceeds tolerance %d bps",
			ErrInsufficientLiquidity, quote.PriceImpactBps, d.SlippageBps))
	}
	result.Decision.EstimatedOut = quote.AmountOut

	feeCap, tip, err := x.gasPrice(ctx, d)
	if err != nil {
		return fail(err)
	}

	tokenIn, tokenOut := x.tokensFor(d.Action)
	decIn, err := x.client.TokenDecimals(ctx, tokenIn)
	if err != nil {
		return fail(fmt.Errorf("%w: token decimals: %v", ErrNetworkError, err))
	}
	decOut, err := x.client.TokenDecimals(ctx, tokenOut)
	if err != nil {
		return fail(fmt.Errorf("%w: token decimals: %v", ErrNetworkError, err))
	}

	slippageFactor := decimal.New(1, 0).Sub(decimal.NewFromInt(d.SlippageBps).Div(bpsDenominator))
	minOutRaw := quote.AmountOut.Mul(slippageFactor).Shift(int32(decOut)).Round(0).BigInt()
	amountInRaw := d.AmountIn.Shift(int32(decIn)).Round(0).BigInt()

	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		Fee:               big.NewInt(x.opts.FeeBps * 100),
		Recipient:         x.opts.Wallet,
		Deadline:          big.NewInt(time.Now().Add(5 * time.Minute).Unix()),
		AmountIn:          amountInRaw,
		AmountOutMinimum:  minOutRaw,
		SqrtPriceLimitX96: big.NewInt(0),
	}

	calldata, err := routerABI.Pack("exactInputSingle", params)
	if err != nil {
		return fail(fmt.Errorf("%w: pack swap calldata: %v", ErrNetworkError, err))
	}

	callMsg := ethereum.CallMsg{From: x.opts.Wallet, To: &x.opts.Router, Data: calldata}
	gasLimit, err := x.client.EstimateGas(ctx, callMsg)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrGasEstimationFailed, err))
	}

	gasCostWei := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gasLimit))
	if err := x.checkFunds(ctx, d, gasCostWei); err != nil {
		return fail(err)
	}

	nonce, err := x.client.PendingNonce(ctx, x.opts.Wallet)
	if err != nil {
		return fail(fmt.Errorf("%w: pending nonce: %v", ErrNetworkError, err))
	}

	tx, err := types.SignNewTx(x.key, types.LatestSignerForChainID(big.NewInt(x.opts.ChainID)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(x.opts.ChainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &x.opts.Router,
		Data:      calldata,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: sign transaction: %v", ErrNetworkError, err))
	}

	result.TxHash = tx.Hash().Hex()
	result.SubmittedAt = time.Now().UTC()

	if err := x.client.SendTransaction(ctx, tx); err != nil {
		return fail(fmt.Errorf("%w: submit transaction: %v", ErrNetworkError, err))
	}

	x.logger.Info().
		Str("tx_hash", result.TxHash).
		Str("action", string(d.Action)).
		Str("amount_in", d.AmountIn.String()).
		Str("urgency", d.Urgency.String()).
		Msg("swap submitted")

	receipt, err := x.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return fail(fmt.Errorf("%w: await receipt: %v", ErrNetworkError, err))
	}

	result.GasUsed = receipt.GasUsed
	if receipt.EffectiveGasPrice != nil {
		cost := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
		result.GasCostNative = decimal.NewFromBigInt(cost, -18)
	}
	result.CompletedAt = time.Now().UTC()

	if receipt.Status != types.ReceiptStatusSuccessful {
		revertErr := x.revertError(ctx, callMsg)
		result.Status = StatusReverted
		result.ErrorKind = Classify(revertErr)
		result.ErrorDetail = revertErr.Error()
		return result, revertErr
	}

	result.Status = StatusSuccess
	result.RealizedOut = x.realizedOutput(receipt, tokenOut, decOut, quote.AmountOut)
	return result, nil
}

// waitReceipt polls until the transaction is mined or the confirm
// timeout elapses. The transaction is never replaced or resubmitted.
func (x *Executor) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, x.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := x.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			x.logger.Debug().Err(err).Msg("receipt not available yet")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertError replays the failed call to recover a revert reason and
// classify it.
func (x *Executor) revertError(ctx context.Context, msg ethereum.CallMsg) error {
	_, err := x.client.CallContract(ctx, msg)
	if err == nil {
		// The replay no longer reverts; pool state moved under us.
		return fmt.Errorf("%w: transaction reverted, replay succeeded", ErrSlippageExceeded)
	}
	kind := classifyRevert(err.Error())
	return fmt.Errorf("%w: %v", kind, err)
}

// realizedOutput extracts the actual amount received from the receipt's
// Transfer logs, falling back to the estimate when absent.
func (x *Executor) realizedOutput(receipt *types.Receipt, tokenOut common.Address, decOut uint8, estimate decimal.Decimal) decimal.Decimal {
	for _, log := range receipt.Logs {
		if log.Address != tokenOut || len(log.Topics) != 3 || log.Topics[0] != transferEventHash {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != x.opts.Wallet {
			continue
		}
		amount := new(big.Int).SetBytes(log.Data)
		return decimal.NewFromBigInt(amount, -int32(decOut))
	}
	return estimate
}

// GweiToWei converts a gwei figure from config into wei.
func GweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).Round(0).BigInt()
}
