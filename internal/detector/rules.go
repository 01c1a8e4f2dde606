package detector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"protocol-monitor/internal/alerting"
	"protocol-monitor/internal/config"
)

var hundred = decimal.NewFromInt(100)

// checkTVLDrop compares the latest TVL against the freshest sample at least
// 24 hours old. Missing history or a zero previous TVL yields no candidate.
// A TVL increase never triggers.
func (d *Detector) checkTVLDrop(ctx context.Context, protocolID string, _ config.ProtocolConfig, now time.Time) (*alerting.Candidate, error) {
	latest, err := d.snapshots.LatestSnapshot(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("fetch latest snapshot: %w", err)
	}
	if latest == nil || latest.TVLUSD == nil {
		return nil, nil
	}

	previous, err := d.snapshots.SnapshotAsOf(ctx, protocolID, latest.Timestamp.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("fetch 24h snapshot: %w", err)
	}
	if previous == nil || previous.TVLUSD == nil || previous.TVLUSD.IsZero() {
		d.logger.Info().Str("protocol", protocolID).Msg("no 24h history, skipping tvl drop check")
		return nil, nil
	}

	prevTVL := *previous.TVLUSD
	currTVL := *latest.TVLUSD
	dropPct := prevTVL.Sub(currTVL).Div(prevTVL).Mul(hundred)

	if dropPct.LessThan(d.thresholds.TVLDrop24h) {
		return nil, nil
	}

	return &alerting.Candidate{
		ProtocolID: protocolID,
		Kind:       alerting.KindTVLDrop,
		Severity:   alerting.SeverityCritical,
		Message: fmt.Sprintf("TVL dropped %s%% in 24 hours (from $%s to $%s)",
			dropPct.StringFixed(2), formatUSD(prevTVL), formatUSD(currTVL)),
		TriggeredAt: now,
	}, nil
}

// checkAPYLow flags the latest 7d APY falling below the configured floor.
func (d *Detector) checkAPYLow(ctx context.Context, protocolID string, _ config.ProtocolConfig, now time.Time) (*alerting.Candidate, error) {
	latest, err := d.snapshots.LatestSnapshot(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("fetch latest snapshot: %w", err)
	}
	if latest == nil || latest.APY7d == nil {
		return nil, nil
	}

	apy := *latest.APY7d
	if apy.GreaterThanOrEqual(d.thresholds.APYMin) {
		return nil, nil
	}

	return &alerting.Candidate{
		ProtocolID: protocolID,
		Kind:       alerting.KindAPYLow,
		Severity:   alerting.SeverityWarning,
		Message: fmt.Sprintf("APY dropped below threshold: %s%% (threshold: %s%%)",
			apy.StringFixed(2), d.thresholds.APYMin.StringFixed(2)),
		TriggeredAt: now,
	}, nil
}

// checkUtilizationHigh flags a lending protocol whose utilization fraction,
// expressed as a percentage, exceeds the configured ceiling. Non-lending
// protocols are never evaluated.
func (d *Detector) checkUtilizationHigh(ctx context.Context, protocolID string, proto config.ProtocolConfig, now time.Time) (*alerting.Candidate, error) {
	if !proto.Lending() {
		return nil, nil
	}

	latest, err := d.snapshots.LatestSnapshot(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("fetch latest snapshot: %w", err)
	}
	if latest == nil || latest.Utilization == nil {
		return nil, nil
	}

	utilizationPct := latest.Utilization.Mul(hundred)
	if !utilizationPct.GreaterThan(d.thresholds.UtilizationMax) {
		return nil, nil
	}

	return &alerting.Candidate{
		ProtocolID: protocolID,
		Kind:       alerting.KindUtilizationHigh,
		Severity:   alerting.SeverityWarning,
		Message: fmt.Sprintf("Utilization rate critically high: %s%% (threshold: %s%%)",
			utilizationPct.StringFixed(2), d.thresholds.UtilizationMax.StringFixed(2)),
		TriggeredAt: now,
	}, nil
}

// formatUSD renders a dollar amount with two decimals and thousands
// separators, e.g. 50000000000 -> "50,000,000,000.00".
func formatUSD(d decimal.Decimal) string {
	fixed := d.StringFixed(2)

	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}

	intPart := fixed[:len(fixed)-3]
	fracPart := fixed[len(fixed)-3:]

	var b strings.Builder
	b.WriteString(sign)
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
		if len(intPart) > lead {
			b.WriteByte(',')
		}
	}
	for i := lead; i < len(intPart); i += 3 {
		b.WriteString(intPart[i : i+3])
		if i+3 < len(intPart) {
			b.WriteByte(',')
		}
	}
	b.WriteString(fracPart)
	return b.String()
}
