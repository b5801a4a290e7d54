package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"anchored-view/internal/alerting"
	"anchored-view/internal/config"
	"anchored-view/internal/fetcher"
	"anchored-view/internal/logging"
	"anchored-view/internal/metrics"
	"anchored-view/internal/oracle"
	"anchored-view/internal/registry"
	"anchored-view/internal/scheduler"
	"anchored-view/internal/service"
	"anchored-view/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newRegistry() (*registry.Registry, error) {
	configs, err := a.Config.TokenConfigs()
	if err != nil {
		return nil, err
	}
	return registry.New(configs)
}

func (a *App) newPairFetcher() *fetcher.PairFetcher {
	return fetcher.NewPairFetcher(fetcher.PairOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if dir := a.Config.Database.MigrationsPath; dir != "" {
		n, err := storage.Migrate(ctx, pool, dir)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		a.Logger.Debug().Int("applied", n).Str("dir", dir).Msg("migrations applied")
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openCache() (*storage.PriceCache, error) {
	if !a.Config.Redis.Enabled {
		return nil, nil
	}
	rc := a.Config.Redis
	return storage.NewPriceCache(rc.Addr, rc.Password, rc.DB, rc.TTL)
}

// Run executes the long-running oracle service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := a.newRegistry()
	if err != nil {
		return err
	}
	params, err := a.Config.OracleParams()
	if err != nil {
		return err
	}

	pairs := a.newPairFetcher()
	defer pairs.Close()
	// windows are seeded from live pairs, so the first snapshot must exist
	if err := pairs.Refresh(ctx, service.AnchorMarkets(reg)); err != nil {
		return fmt.Errorf("initial pair refresh: %w", err)
	}

	core, err := oracle.New(params, reg, pairs, oracle.WithLogger(a.Logger))
	if err != nil {
		return err
	}

	deps := service.Deps{Core: core, Pairs: pairs, Notifier: a.newNotifier()}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		deps.Inbox, deps.Store, deps.State, deps.Locker = store, store, store, store
	}
	if closeStore != nil {
		defer closeStore()
	}

	cache, err := a.openCache()
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
		deps.Cache = cache
	}

	if a.Config.Metrics.Enabled {
		m := metrics.New()
		deps.Metrics = m
		go func() {
			if err := m.Serve(ctx, a.Config.Metrics.Addr); err != nil {
				a.Logger.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	deps.Scheduler = scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		FireOnStart:  a.Config.Scheduler.FireOnStart,
	}, a.Logger)

	svc := service.New(a.Config, deps, a.Logger)
	if err := svc.Restore(ctx); err != nil {
		return err
	}

	a.Logger.Info().
		Int("assets", reg.Len()).
		Str("reporter", params.Reporter.Hex()).
		Msg("starting oracle service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle service stopped")
	return nil
}

// ExportOptions hold parameters for exporting published price history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
