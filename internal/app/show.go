package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"negotiation-hive/internal/storage"
)

// Show prints recent locked deals.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("cannot show deals: %w", err)
	}
	defer closeStore()

	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return showDeals(ctx, store, opts)
}

func showDeals(ctx context.Context, deals storage.DealStore, opts ShowOptions) error {
	list, err := deals.ListRecentDeals(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(opts.Out, "no deals found")
		return nil
	}

	writer := tabwriter.NewWriter(opts.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tDeal\tItem\tPrice\tMemo\tStatus\tExpires (UTC)\tTx")

	for _, deal := range list {
		tx := ""
		if deal.TransactionHash != nil {
			tx = sanitizeInline(*deal.TransactionHash)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s %s\t%s\t%s\t%s\t%s\n",
			deal.CreatedAt.UTC().Format(time.RFC3339),
			deal.ID,
			sanitizeInline(deal.ItemName),
			deal.FinalPrice.String(),
			deal.Currency,
			deal.PaymentMemo,
			deal.Status,
			deal.ExpiresAt.UTC().Format(time.RFC3339),
			tx,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
