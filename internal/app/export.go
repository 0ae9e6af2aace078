package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders locked deals as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("cannot export: %w", err)
	}
	defer closeStore()

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	return a.exportDeals(ctx, store, opts)
}

func (a *App) exportDeals(ctx context.Context, deals storage.DealStore, opts ExportOptions) error {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	list, err := deals.ListDealsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		a.Logger.Info().Msg("no deals found for export window")
		return nil
	}

	downsampled := downsampleDeals(list, opts.MaxPoints)
	a.Logger.Info().Int("total", len(list)).Int("exported", len(downsampled)).Msg("exporting deals")

	if opts.CSVPath != "" {
		if err := writeDealsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDealsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleDeals(deals []domain.LockedDeal, max int) []domain.LockedDeal {
	if max <= 0 || len(deals) <= max {
		return deals
	}
	if max == 1 {
		return deals[len(deals)-1:]
	}

	result := make([]domain.LockedDeal, 0, max)
	step := float64(len(deals)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(deals) {
			idx = len(deals) - 1
		}
		result = append(result, deals[idx])
	}
	return result
}

func writeDealsCSV(path string, deals []domain.LockedDeal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "deal_id", "item_id", "item_name", "final_price", "currency", "payment_memo", "status", "expires_at", "paid_at", "transaction_hash"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, deal := range deals {
		paidAt, tx := "", ""
		if deal.PaidAt != nil {
			paidAt = deal.PaidAt.UTC().Format(time.RFC3339)
		}
		if deal.TransactionHash != nil {
			tx = *deal.TransactionHash
		}
		record := []string{
			deal.CreatedAt.UTC().Format(time.RFC3339),
			deal.ID.String(),
			deal.ItemID,
			deal.ItemName,
			deal.FinalPrice.String(),
			deal.Currency,
			deal.PaymentMemo,
			string(deal.Status),
			deal.ExpiresAt.UTC().Format(time.RFC3339),
			paidAt,
			tx,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeDealsPNG plots deal prices over time, one series per status.
func writeDealsPNG(path string, deals []domain.LockedDeal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	order := []domain.DealStatus{domain.DealPaid, domain.DealPending, domain.DealExpired}
	xs := make(map[domain.DealStatus][]time.Time)
	ys := make(map[domain.DealStatus][]float64)
	for _, deal := range deals {
		xs[deal.Status] = append(xs[deal.Status], deal.CreatedAt)
		ys[deal.Status] = append(ys[deal.Status], deal.FinalPrice.InexactFloat64())
	}

	var series []chart.Series
	for _, status := range order {
		// go-chart cannot draw a single-point line.
		if len(xs[status]) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{
			Name:    string(status),
			XValues: xs[status],
			YValues: ys[status],
		})
	}
	if len(series) == 0 {
		return errors.New("not enough deals to draw a chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Final price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
