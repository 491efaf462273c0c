package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Status prints the persisted runtime state: pause flag, effective
// limits, today's volume, and the latest market observation.
func (a *App) Status(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show status")
	}
	if closeStore != nil {
		defer closeStore()
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	rec, err := store.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Fprintln(writer, "Runtime config:\tnot initialised (file defaults apply)")
		fmt.Fprintf(writer, "Target price:\t%v\n", a.Config.Peg.TargetPrice)
		fmt.Fprintln(writer, "Paused:\tfalse")
	} else {
		state := "RUNNING"
		if rec.Paused {
			state = "PAUSED"
		}
		fmt.Fprintf(writer, "State:\t%s\n", state)
		if rec.PauseReason != "" {
			fmt.Fprintf(writer, "Pause reason:\t%s\n", sanitizeInline(rec.PauseReason))
		}
		fmt.Fprintf(writer, "Target price:\t%s\n", rec.TargetPrice.String())
		fmt.Fprintf(writer, "Max trade (base):\t%s\n", rec.MaxTradeBase.String())
		fmt.Fprintf(writer, "Max trade (quote):\t%s\n", rec.MaxTradeQuote.String())
		fmt.Fprintf(writer, "Daily volume cap (quote):\t%s\n", rec.MaxDailyVolumeQuote.String())
		fmt.Fprintf(writer, "Min trade interval:\t%s\n", rec.MinTimeBetweenTrades)
		fmt.Fprintf(writer, "Updated:\t%s\n", rec.UpdatedAt.UTC().Format(time.RFC3339))
	}

	volume, err := store.DailyVolume(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(writer, "Volume used today (quote):\t%s\n", volume.String())

	samples, err := store.ListRecentSamples(ctx, 1)
	if err != nil {
		return err
	}
	if len(samples) > 0 {
		s := samples[0]
		fmt.Fprintf(writer, "Last observation:\t%s\n", s.ObservedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(writer, "Last price:\t%s (%s)\n", s.Price.String(), s.PriceSource)
		fmt.Fprintf(writer, "Last deviation:\t%s%% (%s)\n", formatDecimal(s.DeviationPct, 3), s.Recommendation)
		if s.Stale {
			fmt.Fprintln(writer, "Last sample stale:\ttrue")
		}
	} else {
		fmt.Fprintln(writer, "Last observation:\tnone")
	}

	return writer.Flush()
}
