package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is a persisted execution attempt.
type TradeRecord struct {
	ID            string
	Action        string
	Urgency       string
	SourceAsset   string
	AmountIn      decimal.Decimal
	QuoteValue    decimal.Decimal
	EstimatedOut  decimal.Decimal
	RealizedOut   decimal.Decimal
	SlippageBps   int64
	TxHash        *string
	Status        string
	GasUsed       int64
	GasCostNative decimal.Decimal
	ErrorKind     *string
	ErrorDetail   *string
	SubmittedAt   time.Time
	CompletedAt   time.Time
	CreatedAt     time.Time
}

// PriceSampleRecord is a persisted market observation.
type PriceSampleRecord struct {
	ObservedAt     time.Time
	Price          decimal.Decimal
	PriceUSD       decimal.Decimal
	PriceAlt       decimal.Decimal
	TargetPrice    decimal.Decimal
	DeviationPct   decimal.Decimal
	Recommendation string
	Tick           int64
	SqrtPriceX96   string
	PriceSource    string
	Stale          bool
	CreatedAt      time.Time
}

// BotConfigRecord is the runtime-adjustable configuration snapshot. The
// running cycle always finishes with the snapshot it started with.
type BotConfigRecord struct {
	TargetPrice          decimal.Decimal
	MaxTradeBase         decimal.Decimal
	MaxTradeQuote        decimal.Decimal
	MaxDailyVolumeQuote  decimal.Decimal
	MinTimeBetweenTrades time.Duration
	MaxConsecutiveErrors int
	Paused               bool
	PauseReason          string
	UpdatedAt            time.Time
}
