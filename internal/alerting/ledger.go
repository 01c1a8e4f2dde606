package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"protocol-monitor/internal/storage"
)

// Outcome reports how the ledger handled a candidate.
type Outcome int

const (
	// OutcomeInserted means a fresh alert row was written and notification
	// was attempted.
	OutcomeInserted Outcome = iota
	// OutcomeSuppressed means a matching open alert already existed inside
	// the dedup window; nothing was written or sent.
	OutcomeSuppressed
)

// String renders the outcome for logs.
func (o Outcome) String() string {
	if o == OutcomeSuppressed {
		return "suppressed"
	}
	return "inserted"
}

// Ledger persists qualifying alert candidates exactly once per dedup window
// and forwards fresh alerts to the notifier.
type Ledger struct {
	alerts   storage.AlertStore
	notifier Notifier
	window   time.Duration
	logger   zerolog.Logger
}

// NewLedger wires the alert store and an optional notifier. A nil notifier
// disables outbound delivery, persistence is unaffected.
func NewLedger(alerts storage.AlertStore, notifier Notifier, window time.Duration, logger zerolog.Logger) *Ledger {
	if window <= 0 {
		window = time.Hour
	}
	return &Ledger{
		alerts:   alerts,
		notifier: notifier,
		window:   window,
		logger:   logger.With().Str("component", "alert_ledger").Logger(),
	}
}

// Save persists the candidate unless a matching open alert fired within the
// dedup window. A notification failure is logged and does not change the
// outcome; the row is already committed.
func (l *Ledger) Save(ctx context.Context, cand Candidate) (Outcome, error) {
	alert := storage.Alert{
		ProtocolID:  cand.ProtocolID,
		Kind:        string(cand.Kind),
		Severity:    string(cand.Severity),
		Message:     cand.Message,
		TriggeredAt: cand.TriggeredAt,
	}

	cutoff := cand.TriggeredAt.Add(-l.window)
	id, inserted, err := l.alerts.InsertAlertDedup(ctx, alert, cutoff)
	if err != nil {
		return OutcomeSuppressed, fmt.Errorf("save alert: %w", err)
	}
	if !inserted {
		l.logger.Info().
			Str("protocol", cand.ProtocolID).
			Str("kind", string(cand.Kind)).
			Msg("similar open alert exists inside dedup window, suppressed")
		return OutcomeSuppressed, nil
	}

	alert.ID = id
	l.logger.Warn().
		Str("protocol", cand.ProtocolID).
		Str("kind", string(cand.Kind)).
		Str("severity", string(cand.Severity)).
		Msg(cand.Message)

	if l.notifier != nil {
		if err := l.notifier.Notify(ctx, alert); err != nil {
			l.logger.Error().Err(err).
				Str("protocol", cand.ProtocolID).
				Str("kind", string(cand.Kind)).
				Msg("failed to dispatch alert notification")
		}
	}

	return OutcomeInserted, nil
}

// HasRecentOpen reports whether an open alert of that kind for that protocol
// was created within the dedup window before now.
func (l *Ledger) HasRecentOpen(ctx context.Context, protocolID string, kind Kind, now time.Time) (bool, error) {
	return l.alerts.HasRecentOpenAlert(ctx, protocolID, string(kind), now.Add(-l.window))
}
