package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"protocol-monitor/internal/alerting"
	"protocol-monitor/internal/storage"
)

// SeedDemo inserts fabricated history that trips all three anomaly rules,
// then runs detection for the protocol. The current snapshot is written
// through the TVL upsert exception so repeated runs keep moving the latest
// value instead of silently no-oping on the natural key.
func (a *App) SeedDemo(ctx context.Context, opts SeedOptions) error {
	if _, ok := a.Config.Protocols[opts.Protocol]; !ok {
		return fmt.Errorf("unknown protocol %q", opts.Protocol)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	now := time.Now().UTC()
	dayAgo := now.Add(-24 * time.Hour)

	prevTVL := decimal.RequireFromString("50000000000.00")
	prevAPY := decimal.RequireFromString("5.00")
	prevUtil := decimal.RequireFromString("0.75")

	if _, err := store.InsertSnapshot(ctx, storage.Snapshot{
		ProtocolID:  opts.Protocol,
		Timestamp:   dayAgo,
		TVLUSD:      &prevTVL,
		APY7d:       &prevAPY,
		Utilization: &prevUtil,
	}); err != nil {
		return fmt.Errorf("seed historical snapshot: %w", err)
	}

	currTVL := decimal.RequireFromString("35000000000.00")
	currAPY := decimal.RequireFromString("1.50")
	currUtil := decimal.RequireFromString("0.97")

	if err := store.UpsertSnapshotTVL(ctx, storage.Snapshot{
		ProtocolID:  opts.Protocol,
		Timestamp:   now,
		TVLUSD:      &currTVL,
		APY7d:       &currAPY,
		Utilization: &currUtil,
	}); err != nil {
		return fmt.Errorf("seed current snapshot: %w", err)
	}

	a.Logger.Info().
		Str("protocol", opts.Protocol).
		Msg("demo data seeded: 30% tvl drop, 1.5% apy, 97% utilization")

	notifier := a.newNotifier()
	if opts.SlackTest {
		slack, ok := notifier.(*alerting.SlackNotifier)
		if !ok {
			a.Logger.Warn().Msg("slack not configured, skipping test message")
		} else if err := slack.SendTest(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("slack test message failed")
		}
	}

	ledger := a.newLedger(store, notifier)
	det := a.newDetector(store, ledger)

	candidates, err := det.DetectOne(ctx, opts.Protocol)
	if err != nil {
		return err
	}

	for _, cand := range candidates {
		a.Logger.Info().
			Str("kind", string(cand.Kind)).
			Str("severity", string(cand.Severity)).
			Msg(cand.Message)
	}
	a.Logger.Info().Int("alerts", len(candidates)).Msg("demo detection complete")
	return nil
}
