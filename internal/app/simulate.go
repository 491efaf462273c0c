package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/google/uuid"

	"pegkeeper/internal/controller"
	"pegkeeper/internal/decision"
	"pegkeeper/internal/executor"
	"pegkeeper/internal/oracle"
)

// SimulateCycle runs one decision cycle against a fixed pool price with
// execution stubbed out. Nothing touches the chain or the database.
func (a *App) SimulateCycle(ctx context.Context, opts SimulateOptions) error {
	if opts.Price.Sign() <= 0 {
		return errors.New("--price must be greater than zero")
	}

	prices := &staticPriceSource{sample: oracle.PriceSample{
		SqrtPriceX96: big.NewInt(0),
		Price:        opts.Price,
		PriceSource:  "simulated",
		ObservedAt:   time.Now().UTC(),
	}}
	exec := &dryRunExecutor{balances: decision.Balances{
		Base:  opts.BaseBalance,
		Quote: opts.QuoteBalance,
	}}

	ctrl := a.newController(nil, exec, prices, nil)
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	if err := ctrl.RunCycle(ctx, time.Now().UTC()); err != nil {
		return err
	}

	if exec.executed == nil {
		fmt.Fprintln(os.Stdout, "decision: HOLD")
		return nil
	}

	d := *exec.executed
	fmt.Fprintf(os.Stdout, "decision: %s (%s)\n", d.Action, d.Urgency)
	fmt.Fprintf(os.Stdout, "amount in: %s %s\n", d.AmountIn.String(), d.SourceAsset)
	fmt.Fprintf(os.Stdout, "quote value: %s\n", d.QuoteValue.String())
	fmt.Fprintf(os.Stdout, "slippage tolerance: %d bps\n", d.SlippageBps)
	fmt.Fprintf(os.Stdout, "gas multiplier: %s\n", d.GasMultiplier.String())
	return nil
}

type staticPriceSource struct {
	sample oracle.PriceSample
}

func (s *staticPriceSource) GetPrice(ctx context.Context, forceRefresh bool) (oracle.PriceSample, error) {
	return s.sample, nil
}

type dryRunExecutor struct {
	balances decision.Balances
	executed *decision.Decision
}

func (d *dryRunExecutor) Balances(ctx context.Context) (decision.Balances, error) {
	return d.balances, nil
}

func (d *dryRunExecutor) Execute(ctx context.Context, dec decision.Decision) (executor.TradeResult, error) {
	d.executed = &dec
	now := time.Now().UTC()
	return executor.TradeResult{
		ID:          uuid.NewString(),
		Decision:    dec,
		Status:      executor.StatusSuccess,
		SubmittedAt: now,
		CompletedAt: now,
	}, nil
}

var _ controller.PriceSource = (*staticPriceSource)(nil)
var _ controller.TradeExecutor = (*dryRunExecutor)(nil)
