package decision

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pegkeeper/internal/oracle"
	"pegkeeper/internal/safety"
)

// Urgency orders the action tiers by deviation severity.
type Urgency int

const (
	UrgencyHold Urgency = iota
	UrgencyLow
	UrgencyMedium
	UrgencyHigh
	UrgencyEmergency
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "LOW"
	case UrgencyMedium:
		return "MEDIUM"
	case UrgencyHigh:
		return "HIGH"
	case UrgencyEmergency:
		return "EMERGENCY"
	default:
		return "HOLD"
	}
}

// Tier binds an urgency level to its activation threshold and execution
// parameters. Tiers are configuration, never mutated by the loop.
type Tier struct {
	Urgency       Urgency
	ThresholdPct  decimal.Decimal
	SlippageBps   int64
	GasMultiplier decimal.Decimal
	SizeFactor    decimal.Decimal
}

// Caps are the per-asset trade size ceilings applied during sizing.
type Caps struct {
	MaxTradeBase  decimal.Decimal
	MaxTradeQuote decimal.Decimal
}

// Balances are the wallet's spendable holdings per side.
type Balances struct {
	Base  decimal.Decimal
	Quote decimal.Decimal
}

// Decision is the sized outcome of one cycle. A HOLD decision carries
// the reason it was downgraded, if any.
type Decision struct {
	Action        oracle.Action
	Urgency       Urgency
	AmountIn      decimal.Decimal
	SourceAsset   safety.Asset
	QuoteValue    decimal.Decimal
	EstimatedOut  decimal.Decimal
	SlippageBps   int64
	GasMultiplier decimal.Decimal
	HoldReason    string
}

// IsHold reports whether the decision results in no trade.
func (d Decision) IsHold() bool {
	return d.Action == oracle.ActionHold
}

// Engine maps a deviation to an urgency tier and a sized trade,
// consulting the safety policy before committing to a direction.
type Engine struct {
	tiers  []Tier
	caps   Caps
	policy *safety.Policy
	logger zerolog.Logger
}

// NewEngine constructs a decision engine. Tiers must be sorted by
// ascending threshold.
func NewEngine(tiers []Tier, caps Caps, policy *safety.Policy, logger zerolog.Logger) *Engine {
	return &Engine{
		tiers:  tiers,
		caps:   caps,
		policy: policy,
		logger: logger.With().Str("component", "decision_engine").Logger(),
	}
}

func hold(reason string) Decision {
	return Decision{Action: oracle.ActionHold, Urgency: UrgencyHold, HoldReason: reason}
}

// Decide produces the trade decision for one cycle. It never silently
// resizes a rejected amount: a safety rejection downgrades to HOLD.
func (e *Engine) Decide(dev oracle.DeviationResult, balances Balances) Decision {
	if dev.Stale {
		return hold("stale price sample")
	}
	if dev.Recommendation == oracle.ActionHold {
		return hold("")
	}

	tier, ok := e.selectTier(dev.DeviationPct.Abs())
	if !ok {
		return hold("")
	}

	var (
		asset   safety.Asset
		balance decimal.Decimal
		cap     decimal.Decimal
	)
	if dev.Recommendation == oracle.ActionBuy {
		// Under peg: spend quote to acquire base.
		asset, balance, cap = safety.AssetQuote, balances.Quote, e.caps.MaxTradeQuote
	} else {
		asset, balance, cap = safety.AssetBase, balances.Base, e.caps.MaxTradeBase
	}

	amountIn := decimal.Min(cap, balance.Mul(tier.SizeFactor))
	if amountIn.Sign() <= 0 {
		return hold("insufficient " + string(asset) + " balance")
	}

	quoteValue := amountIn
	if asset == safety.AssetBase {
		quoteValue = amountIn.Mul(dev.CurrentPrice)
	}

	if allowed, reason := e.policy.CheckAllowed(amountIn, asset, quoteValue); !allowed {
		e.logger.Info().
			Str("action", string(dev.Recommendation)).
			Str("amount_in", amountIn.String()).
			Str("reason", reason).
			Msg("safety policy rejected trade, holding")
		return hold(reason)
	}

	return Decision{
		Action:        dev.Recommendation,
		Urgency:       tier.Urgency,
		AmountIn:      amountIn,
		SourceAsset:   asset,
		QuoteValue:    quoteValue,
		SlippageBps:   tier.SlippageBps,
		GasMultiplier: tier.GasMultiplier,
	}
}

// selectTier returns the highest tier whose threshold the magnitude meets.
func (e *Engine) selectTier(magnitude decimal.Decimal) (Tier, bool) {
	var (
		selected Tier
		found    bool
	)
	for _, tier := range e.tiers {
		if magnitude.GreaterThanOrEqual(tier.ThresholdPct) {
			selected = tier
			found = true
		}
	}
	return selected, found
}
