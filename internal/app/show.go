package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// ShowTrades prints recent execution attempts, newest first.
func (a *App) ShowTrades(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show trades")
	}
	if closeStore != nil {
		defer closeStore()
	}

	trades, err := store.ListRecentTrades(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(os.Stdout, "no trades found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAction\tUrgency\tAmount In\tQuote Value\tRealized Out\tStatus\tTx\tError")

	for _, trade := range trades {
		txHash := ""
		if trade.TxHash != nil {
			txHash = shortHash(*trade.TxHash)
		}
		errMsg := ""
		if trade.ErrorKind != nil {
			errMsg = *trade.ErrorKind
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s %s\t%s\t%s\t%s\t%s\t%s\n",
			trade.SubmittedAt.UTC().Format(time.RFC3339),
			trade.Action,
			trade.Urgency,
			formatDecimal(trade.AmountIn, 4),
			trade.SourceAsset,
			formatDecimal(trade.QuoteValue, 4),
			formatDecimal(trade.RealizedOut, 4),
			trade.Status,
			txHash,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func shortHash(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:10] + ".." + hash[len(hash)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
