package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"protocol-monitor/internal/alerting"
	"protocol-monitor/internal/config"
	"protocol-monitor/internal/detector"
	"protocol-monitor/internal/fetcher"
	"protocol-monitor/internal/scheduler"
	"protocol-monitor/internal/storage"
)

// Service orchestrates the monitoring pipeline: ingest snapshots for every
// configured protocol, then run anomaly detection over the fresh history.
type Service struct {
	scheduler *scheduler.Scheduler
	tvl       fetcher.TVLFetcher
	rates     fetcher.RatesFetcher
	snapshots storage.SnapshotStore
	detector  *detector.Detector
	protocols map[string]config.ProtocolConfig
	order     []string
	logger    zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the monitoring service.
func New(cfg *config.Config, sched *scheduler.Scheduler, tvl fetcher.TVLFetcher, rates fetcher.RatesFetcher, snapshots storage.SnapshotStore, det *detector.Detector, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := snapshots.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		tvl:       tvl,
		rates:     rates,
		snapshots: snapshots,
		detector:  det,
		protocols: cfg.Protocols,
		order:     cfg.ProtocolIDs(),
		logger:    logger.With().Str("component", "service").Logger(),
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned sampling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick executes one full pipeline run for a tick instant.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip run because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now().UTC()

	ingested := s.IngestAll(ctx, tick)
	ingestOK := 0
	for _, ok := range ingested {
		if ok {
			ingestOK++
		}
	}
	if ingestOK == 0 {
		s.logger.Error().Time("tick", tick).Msg("all protocols failed during ingestion")
	}

	// Detection still runs over whatever history exists, even if every
	// ingest failed this tick.
	results := s.detector.DetectAll(ctx)
	totalAlerts := 0
	for _, candidates := range results {
		totalAlerts += len(candidates)
	}

	s.logger.Info().
		Time("tick", tick).
		Int("ingested", ingestOK).
		Int("protocols", len(s.order)).
		Int("alerts", totalAlerts).
		Dur("duration", time.Since(started)).
		Msg("pipeline run complete")

	return nil
}

// IngestAll fetches and persists a snapshot for every configured protocol.
// A failure for one protocol is logged and never aborts the rest.
func (s *Service) IngestAll(ctx context.Context, now time.Time) map[string]bool {
	results := make(map[string]bool, len(s.order))

	for _, protocolID := range s.order {
		inserted, err := s.ingestOne(ctx, protocolID, now)
		if err != nil {
			s.logger.Error().Err(err).Str("protocol", protocolID).Msg("failed to ingest protocol")
			results[protocolID] = false
			continue
		}
		if !inserted {
			s.logger.Info().Str("protocol", protocolID).Time("ts", now).Msg("snapshot already exists, skipped")
		}
		results[protocolID] = inserted
	}

	return results
}

func (s *Service) ingestOne(ctx context.Context, protocolID string, now time.Time) (bool, error) {
	proto := s.protocols[protocolID]

	tvl, err := s.tvl.FetchTVL(ctx, proto.LlamaSlug)
	if err != nil {
		return false, fmt.Errorf("fetch tvl: %w", err)
	}

	snap := storage.Snapshot{
		ProtocolID: protocolID,
		Timestamp:  now,
		TVLUSD:     &tvl,
	}

	if proto.Lending() && s.rates != nil && proto.MarketAddress != "" {
		rates, err := s.rates.FetchRates(ctx, proto.MarketAddress)
		if err != nil {
			// TVL alone is still worth persisting; rates stay unknown.
			s.logger.Warn().Err(err).Str("protocol", protocolID).Msg("failed to fetch market rates")
		} else {
			snap.APY7d = rates.APY7d
			snap.Utilization = rates.Utilization
		}
	}

	inserted, err := s.snapshots.InsertSnapshot(ctx, snap)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	return inserted, nil
}

// DetectAll exposes a one-shot detection pass over current history.
func (s *Service) DetectAll(ctx context.Context) map[string][]alerting.Candidate {
	return s.detector.DetectAll(ctx)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
