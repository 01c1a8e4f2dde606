package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent snapshots for one protocol.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if _, ok := a.Config.Protocols[opts.Protocol]; !ok {
		return fmt.Errorf("unknown protocol %q", opts.Protocol)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Protocol, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTVL (USD)\tAPY 7d (%)\tUtilization")

	for _, snap := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			snap.Timestamp.UTC().Format(time.RFC3339),
			formatOptional(snap.TVLUSD, 2),
			formatOptional(snap.APY7d, 2),
			formatOptional(snap.Utilization, 4),
		)
	}

	writer.Flush()
	return nil
}

func formatOptional(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}
