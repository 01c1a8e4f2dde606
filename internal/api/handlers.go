package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"protocol-monitor/internal/storage"
)

const (
	statusLookback = 24 * time.Hour

	defaultHistoryDays = 30
	maxHistoryDays     = 365
)

type protocolResponse struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Chain       string   `json:"chain"`
	TVL         *float64 `json:"tvl"`
	APY         *float64 `json:"apy"`
	Utilization *float64 `json:"utilization"`
	Status      string   `json:"status"`
	LastUpdated *string  `json:"last_updated"`
}

type historyResponse struct {
	Timestamp   string   `json:"timestamp"`
	TVL         *float64 `json:"tvl"`
	APY         *float64 `json:"apy"`
	Utilization *float64 `json:"utilization"`
}

type alertResponse struct {
	ID          int64   `json:"id"`
	ProtocolID  string  `json:"protocol_id"`
	AlertKind   string  `json:"alert_kind"`
	Severity    string  `json:"severity"`
	Message     string  `json:"message"`
	TriggeredAt string  `json:"triggered_at"`
	ResolvedAt  *string `json:"resolved_at"`
	Status      string  `json:"status"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Protocol Monitor API",
		"endpoints": []string{
			"/protocols",
			"/protocols/{name}/history",
			"/alerts",
			"/healthz",
		},
	})
}

func (s *Server) handleProtocols(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make([]protocolResponse, 0, len(s.order))

	for _, id := range s.order {
		proto := s.protocols[id]
		entry := protocolResponse{
			Name:        id,
			DisplayName: proto.Name,
			Chain:       proto.Chain,
			Status:      "unknown",
		}

		snap, err := s.snapshots.LatestSnapshot(ctx, id)
		if err != nil {
			s.logger.Error().Err(err).Str("protocol", id).Msg("failed to load latest snapshot")
			out = append(out, entry)
			continue
		}
		if snap != nil {
			entry.TVL = decimalValue(snap.TVLUSD)
			entry.APY = decimalValue(snap.APY7d)
			entry.Utilization = decimalValue(snap.Utilization)
			updated := snap.Timestamp.UTC().Format(time.RFC3339)
			entry.LastUpdated = &updated
			entry.Status = s.protocolStatus(r, id)
		}
		out = append(out, entry)
	}

	writeJSON(w, http.StatusOK, out)
}

// protocolStatus derives health from the most severe open alert in the last
// 24 hours: critical, warning, healthy, or unknown on a store failure.
func (s *Server) protocolStatus(r *http.Request, protocolID string) string {
	severity, err := s.alerts.OpenSeverity(r.Context(), protocolID, time.Now().UTC().Add(-statusLookback))
	if err != nil {
		s.logger.Error().Err(err).Str("protocol", protocolID).Msg("failed to determine status")
		return "unknown"
	}
	switch severity {
	case "critical":
		return "critical"
	case "warning":
		return "warning"
	default:
		return "healthy"
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.protocols[name]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "protocol not found"})
		return
	}

	days := defaultHistoryDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryDays {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be between 1 and 365"})
			return
		}
		days = parsed
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	snapshots, err := s.snapshots.ListSnapshotsSince(r.Context(), name, since)
	if err != nil {
		s.logger.Error().Err(err).Str("protocol", name).Msg("failed to load history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	out := make([]historyResponse, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, historyResponse{
			Timestamp:   snap.Timestamp.UTC().Format(time.RFC3339),
			TVL:         decimalValue(snap.TVLUSD),
			APY:         decimalValue(snap.APY7d),
			Utilization: decimalValue(snap.Utilization),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = storage.AlertStatusOpen
	}
	switch status {
	case storage.AlertStatusOpen, storage.AlertStatusResolved, storage.AlertStatusAll:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be open, resolved, or all"})
		return
	}

	filter := storage.AlertFilter{
		Status:     status,
		ProtocolID: r.URL.Query().Get("protocol"),
	}

	alerts, err := s.alerts.ListAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list alerts")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	out := make([]alertResponse, 0, len(alerts))
	for _, alert := range alerts {
		entry := alertResponse{
			ID:          alert.ID,
			ProtocolID:  alert.ProtocolID,
			AlertKind:   alert.Kind,
			Severity:    alert.Severity,
			Message:     alert.Message,
			TriggeredAt: alert.TriggeredAt.UTC().Format(time.RFC3339),
			Status:      storage.AlertStatusOpen,
		}
		if alert.ResolvedAt != nil {
			resolved := alert.ResolvedAt.UTC().Format(time.RFC3339)
			entry.ResolvedAt = &resolved
			entry.Status = storage.AlertStatusResolved
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Format(time.RFC3339)
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":    "unhealthy",
				"timestamp": now,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": now,
	})
}

func decimalValue(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	v := d.InexactFloat64()
	return &v
}
