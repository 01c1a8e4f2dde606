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

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"protocol-monitor/internal/storage"
)

// Export renders a protocol's snapshot history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if _, ok := a.Config.Protocols[opts.Protocol]; !ok {
		return fmt.Errorf("unknown protocol %q", opts.Protocol)
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, 0, -30)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsSince(ctx, opts.Protocol, from)
	if err != nil {
		return err
	}
	// ListSnapshotsSince returns newest first; render oldest first.
	reverse(snapshots)
	snapshots = trimAfter(snapshots, to)
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, opts.Protocol, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func reverse(snapshots []storage.Snapshot) {
	for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
		snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
	}
}

func trimAfter(snapshots []storage.Snapshot, to time.Time) []storage.Snapshot {
	result := snapshots[:0]
	for _, snap := range snapshots {
		if snap.Timestamp.After(to) {
			continue
		}
		result = append(result, snap)
	}
	return result
}

func downsampleSnapshots(snapshots []storage.Snapshot, max int) []storage.Snapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	result := make([]storage.Snapshot, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.Snapshot) error {
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

	header := []string{"ts", "protocol_id", "tvl_usd", "apy_7d", "utilization"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snapshots {
		record := []string{
			snap.Timestamp.Format(time.RFC3339),
			snap.ProtocolID,
			optionalString(snap.TVLUSD),
			optionalString(snap.APY7d),
			optionalString(snap.Utilization),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path, protocolID string, snapshots []storage.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(snapshots))
	tvl := make([]float64, 0, len(snapshots))
	apy := make([]float64, 0, len(snapshots))

	for _, snap := range snapshots {
		if snap.TVLUSD == nil {
			continue
		}
		x = append(x, snap.Timestamp)
		tvl = append(tvl, snap.TVLUSD.InexactFloat64())
		if snap.APY7d != nil {
			apy = append(apy, snap.APY7d.InexactFloat64())
		} else {
			apy = append(apy, 0)
		}
	}
	if len(x) == 0 {
		return errors.New("no snapshots with tvl in export window")
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		Title:  protocolID,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "TVL (USD)",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "APY 7d (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "TVL",
				XValues: x,
				YValues: tvl,
			},
			chart.TimeSeries{
				Name:    "APY 7d",
				XValues: x,
				YValues: apy,
				YAxis:   chart.YAxisSecondary,
			},
		},
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

func optionalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
