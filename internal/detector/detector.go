package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"protocol-monitor/internal/alerting"
	"protocol-monitor/internal/config"
	"protocol-monitor/internal/storage"
)

// ErrUnknownProtocol is returned when detection is requested for a protocol
// id that is not configured.
var ErrUnknownProtocol = errors.New("detector: unknown protocol")

// Thresholds parameterise the anomaly rules. All values are percentages.
type Thresholds struct {
	TVLDrop24h     decimal.Decimal
	APYMin         decimal.Decimal
	UtilizationMax decimal.Decimal
}

// ThresholdsFromConfig converts configured float thresholds.
func ThresholdsFromConfig(cfg config.DetectionConfig) Thresholds {
	return Thresholds{
		TVLDrop24h:     decimal.NewFromFloat(cfg.TVLDrop24hPercent),
		APYMin:         decimal.NewFromFloat(cfg.APYMinPercent),
		UtilizationMax: decimal.NewFromFloat(cfg.UtilizationMaxPercent),
	}
}

// Ledger accepts qualifying candidates. Satisfied by *alerting.Ledger.
type Ledger interface {
	Save(ctx context.Context, cand alerting.Candidate) (alerting.Outcome, error)
}

// Detector evaluates threshold rules over snapshot history and routes
// qualifying candidates to the alert ledger.
type Detector struct {
	snapshots  storage.SnapshotStore
	ledger     Ledger
	protocols  map[string]config.ProtocolConfig
	thresholds Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// New constructs a Detector.
func New(snapshots storage.SnapshotStore, ledger Ledger, protocols map[string]config.ProtocolConfig, thresholds Thresholds, logger zerolog.Logger) *Detector {
	return &Detector{
		snapshots:  snapshots,
		ledger:     ledger,
		protocols:  protocols,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "detector").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

type rule func(ctx context.Context, protocolID string, proto config.ProtocolConfig, now time.Time) (*alerting.Candidate, error)

// DetectOne runs every rule for a single protocol, saving each candidate
// through the ledger as it is found. The returned slice lists everything
// detected this run, including candidates the ledger suppressed as
// duplicates; the ledger is the authority on what is actually open.
func (d *Detector) DetectOne(ctx context.Context, protocolID string) ([]alerting.Candidate, error) {
	proto, ok := d.protocols[protocolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocolID)
	}

	now := d.now()
	rules := []rule{d.checkTVLDrop, d.checkAPYLow, d.checkUtilizationHigh}

	candidates := make([]alerting.Candidate, 0, len(rules))
	for _, check := range rules {
		cand, err := check(ctx, protocolID, proto, now)
		if err != nil {
			return nil, err
		}
		if cand == nil {
			continue
		}
		candidates = append(candidates, *cand)

		outcome, saveErr := d.ledger.Save(ctx, *cand)
		if saveErr != nil {
			d.logger.Error().Err(saveErr).
				Str("protocol", protocolID).
				Str("kind", string(cand.Kind)).
				Msg("failed to save alert")
			continue
		}
		d.logger.Debug().
			Str("protocol", protocolID).
			Str("kind", string(cand.Kind)).
			Stringer("outcome", outcome).
			Msg("candidate handled")
	}

	return candidates, nil
}

// DetectAll runs detection for every configured protocol. A failure while
// processing one protocol is logged and recorded as an empty list; it never
// aborts the remaining protocols. The result always covers every configured
// protocol id.
func (d *Detector) DetectAll(ctx context.Context) map[string][]alerting.Candidate {
	results := make(map[string][]alerting.Candidate, len(d.protocols))

	for _, protocolID := range sortedProtocolIDs(d.protocols) {
		candidates, err := d.DetectOne(ctx, protocolID)
		if err != nil {
			d.logger.Error().Err(err).
				Str("protocol", protocolID).
				Msg("anomaly detection failed for protocol")
			results[protocolID] = []alerting.Candidate{}
			continue
		}
		results[protocolID] = candidates

		if len(candidates) > 0 {
			d.logger.Warn().
				Str("protocol", protocolID).
				Int("count", len(candidates)).
				Msg("anomalies detected")
		} else {
			d.logger.Info().
				Str("protocol", protocolID).
				Msg("no anomalies detected")
		}
	}

	return results
}

func sortedProtocolIDs(protocols map[string]config.ProtocolConfig) []string {
	ids := make([]string, 0, len(protocols))
	for id := range protocols {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
