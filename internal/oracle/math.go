package oracle

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// tickBase is the price ratio between two adjacent ticks.
const tickBase = 1.0001

var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// RatioFromSqrtX96 converts a Q64.96 square-root price into the raw
// token1-per-token0 ratio, before any decimals adjustment.
func RatioFromSqrtX96(sqrtPriceX96 *big.Int) decimal.Decimal {
	sqrt := decimal.NewFromBigInt(sqrtPriceX96, 0).Div(q96)
	return sqrt.Mul(sqrt)
}

// AdjustRatio turns the raw token1-per-token0 ratio into a human price,
// compensating for the two tokens' decimal places and inverting when the
// pool's token ordering is the opposite of the desired quote direction.
func AdjustRatio(ratio decimal.Decimal, decimals0, decimals1 uint8, invert bool) decimal.Decimal {
	price := ratio.Shift(int32(decimals0) - int32(decimals1))
	if invert && !price.IsZero() {
		price = decimal.New(1, 0).Div(price)
	}
	return price
}

// PriceFromSqrtX96 is the composed spot-price conversion.
func PriceFromSqrtX96(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8, invert bool) decimal.Decimal {
	return AdjustRatio(RatioFromSqrtX96(sqrtPriceX96), decimals0, decimals1, invert)
}

// TickToPrice returns the raw token1-per-token0 ratio at a tick.
func TickToPrice(tick int64) decimal.Decimal {
	return decimal.NewFromFloat(math.Pow(tickBase, float64(tick)))
}

// PriceToTick returns the tick nearest to a raw ratio. Non-positive
// ratios have no tick representation and map to zero.
func PriceToTick(ratio decimal.Decimal) int64 {
	f, _ := ratio.Float64()
	if f <= 0 {
		return 0
	}
	return int64(math.Round(math.Log(f) / math.Log(tickBase)))
}

// VirtualReserves derives the constant-product reserves implied by the
// active tick range: reserve0 = L / sqrtP, reserve1 = L * sqrtP, both in
// raw token units. The approximation holds for trades that stay within
// the current range.
func VirtualReserves(sqrtPriceX96, liquidity *big.Int) (reserve0, reserve1 decimal.Decimal) {
	sqrt := decimal.NewFromBigInt(sqrtPriceX96, 0).Div(q96)
	l := decimal.NewFromBigInt(liquidity, 0)
	if sqrt.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return l.Div(sqrt), l.Mul(sqrt)
}
