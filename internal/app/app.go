package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"protocol-monitor/internal/alerting"
	"protocol-monitor/internal/api"
	"protocol-monitor/internal/config"
	"protocol-monitor/internal/detector"
	"protocol-monitor/internal/fetcher"
	"protocol-monitor/internal/scheduler"
	"protocol-monitor/internal/service"
	"protocol-monitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() (fetcher.TVLFetcher, fetcher.RatesFetcher) {
	tvl := fetcher.NewLlama(a.Config.DefiLlama, a.Logger)

	var rates fetcher.RatesFetcher
	if a.Config.Ethereum.RPCURL != "" {
		rates = fetcher.NewChain(a.Config.Ethereum, a.Logger)
	}
	return tvl, rates
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Notify.Slack.Enabled {
		a.Logger.Info().Msg("slack notifications disabled")
		return nil
	}
	cfg := a.Config.Notify.Slack
	return alerting.NewSlackNotifier(cfg.WebhookURL, cfg.RequestTimeout, a.Logger)
}

func (a *App) newLedger(store *storage.Store, notifier alerting.Notifier) *alerting.Ledger {
	return alerting.NewLedger(store, notifier, a.Config.Detection.DedupWindow, a.Logger)
}

func (a *App) newDetector(store *storage.Store, ledger *alerting.Ledger) *detector.Detector {
	return detector.New(store, ledger, a.Config.Protocols, detector.ThresholdsFromConfig(a.Config.Detection), a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service and, when enabled, the
// reporting API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	tvl, rates := a.newFetchers()
	ledger := a.newLedger(store, a.newNotifier())
	det := a.newDetector(store, ledger)
	svc := service.New(a.Config, sched, tvl, rates, store, det, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)

	if a.Config.API.Enabled {
		srv := api.NewServer(a.Config.API, a.Config.Protocols, a.Config.ProtocolIDs(), store, store, store, a.Logger)
		group.Go(func() error {
			return srv.Run(groupCtx)
		})
	}

	group.Go(func() error {
		a.Logger.Info().Msg("starting monitoring service")
		return svc.Run(groupCtx)
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Protocol string
	Limit    int
}

// ExportOptions hold parameters for exporting historical snapshots.
type ExportOptions struct {
	Protocol  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SeedOptions configure the demo seeding command.
type SeedOptions struct {
	Protocol  string
	SlackTest bool
}
