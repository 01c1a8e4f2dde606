package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Detect runs a one-shot anomaly detection pass over stored history and
// prints what was detected this run.
func (a *App) Detect(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	ledger := a.newLedger(store, a.newNotifier())
	det := a.newDetector(store, ledger)

	results := det.DetectAll(ctx)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Protocol\tKind\tSeverity\tTriggered (UTC)\tMessage")

	total := 0
	for _, protocolID := range a.Config.ProtocolIDs() {
		candidates := results[protocolID]
		if len(candidates) == 0 {
			fmt.Fprintf(writer, "%s\t-\t-\t-\tno anomalies\n", protocolID)
			continue
		}
		for _, cand := range candidates {
			total++
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\n",
				cand.ProtocolID,
				cand.Kind,
				cand.Severity,
				cand.TriggeredAt.UTC().Format(time.RFC3339),
				cand.Message,
			)
		}
	}

	writer.Flush()
	fmt.Fprintf(os.Stdout, "\n%d anomalies detected\n", total)
	return nil
}
