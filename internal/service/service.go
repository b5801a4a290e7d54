package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"anchored-view/internal/alerting"
	"anchored-view/internal/anchor"
	"anchored-view/internal/config"
	"anchored-view/internal/events"
	"anchored-view/internal/fetcher"
	"anchored-view/internal/metrics"
	"anchored-view/internal/oracle"
	"anchored-view/internal/registry"
	"anchored-view/internal/scheduler"
	"anchored-view/internal/storage"
)

// ErrNoCore is returned when a service is built without an oracle.
var ErrNoCore = errors.New("service: oracle not configured")

// Oracle is the subset of the anchored view the service drives.
type Oracle interface {
	PostPrices(messages, signatures [][]byte, symbols []string) ([]events.Event, error)
	InvalidateReporter(msg, signature []byte) ([]events.Event, error)
	ActivateFailover(symbol string) ([]events.Event, error)
	DeactivateFailover(symbol string) ([]events.Event, error)
	Events() *events.Log
	Restore(st oracle.State)
	Registry() *registry.Registry
}

// PriceCache receives every published price.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error
}

// Deps are the collaborators of a Service. Everything but Core is optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Core      Oracle
	Pairs     fetcher.PairRefresher
	Inbox     storage.BundleInbox
	Store     storage.EventStore
	State     storage.StateLoader
	Locker    storage.AdvisoryLocker
	Cache     PriceCache
	Metrics   *metrics.Metrics
	Notifier  alerting.Notifier
}

// Service feeds queued bundles into the oracle and fans committed events
// out to persistence, cache, metrics and alerts.
type Service struct {
	scheduler *scheduler.Scheduler
	core      Oracle
	pairs     fetcher.PairRefresher
	inbox     storage.BundleInbox
	store     storage.EventStore
	state     storage.StateLoader
	locker    storage.AdvisoryLocker
	cache     PriceCache
	metrics   *metrics.Metrics
	notifier  alerting.Notifier
	logger    zerolog.Logger

	markets   []common.Address
	batchSize int
	lockKey   int64
	alertsOn  bool
	channels  []string
	cooldown  time.Duration
	now       func() time.Time

	alertMu   sync.Mutex
	lastAlert map[string]time.Time
}

// New constructs the oracle service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	batch := cfg.Scheduler.BatchSize
	if batch <= 0 {
		batch = 50
	}

	var markets []common.Address
	if deps.Core != nil {
		markets = AnchorMarkets(deps.Core.Registry())
	}

	return &Service{
		scheduler: deps.Scheduler,
		core:      deps.Core,
		pairs:     deps.Pairs,
		inbox:     deps.Inbox,
		store:     deps.Store,
		state:     deps.State,
		locker:    deps.Locker,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		notifier:  deps.Notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		markets:   markets,
		batchSize: batch,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		alertsOn:  cfg.Alerting.Enabled,
		channels:  cfg.Alerting.Channels,
		cooldown:  cfg.Alerting.Cooldown,
		now:       func() time.Time { return time.Now().UTC() },
		lastAlert: make(map[string]time.Time),
	}
}

// AnchorMarkets lists the distinct anchor markets of reporter-priced assets.
func AnchorMarkets(reg *registry.Registry) []common.Address {
	if reg == nil {
		return nil
	}
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, cfg := range reg.All() {
		if cfg.PriceSource != registry.Reporter {
			continue
		}
		if _, ok := seen[cfg.AnchorMarket]; ok {
			continue
		}
		seen[cfg.AnchorMarket] = struct{}{}
		out = append(out, cfg.AnchorMarket)
	}
	return out
}

// Run begins the processing loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// Restore loads durable state into the core. Window seeds emitted at
// construction are dropped for every asset whose window was restored.
func (s *Service) Restore(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	st, err := s.state.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	s.core.Restore(st)

	pending := s.core.Events().Drain()
	kept := pending[:0]
	for _, ev := range pending {
		if w, ok := ev.(events.AnchorWindowUpdated); ok {
			if _, restored := st.Windows[w.SymbolHash]; restored {
				continue
			}
		}
		kept = append(kept, ev)
	}
	s.core.Events().Append(kept...)

	if s.metrics != nil {
		if st.ReporterInvalidated {
			s.metrics.ReporterInvalidated.Set(1)
		}
		for hash, active := range st.Failover {
			if cfg, err := s.core.Registry().BySymbolHash(hash); err == nil && active {
				s.metrics.FailoverActive.WithLabelValues(cfg.Symbol).Set(1)
			}
		}
	}

	s.logger.Info().
		Int("observations", len(st.Observations)).
		Int("prices", len(st.Prices)).
		Int("windows", len(st.Windows)).
		Int("failover", len(st.Failover)).
		Bool("reporter_invalidated", st.ReporterInvalidated).
		Msg("state restored")
	return nil
}

// ProcessTick refreshes anchor pairs and drains one batch of pending bundles.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, tick)
}

func (s *Service) executeTick(ctx context.Context, tick time.Time) error {
	if s.pairs != nil && len(s.markets) > 0 {
		if err := s.pairs.Refresh(ctx, s.markets); err != nil {
			return fmt.Errorf("refresh pairs: %w", err)
		}
	}

	// window seeds and anything left from a failed flush
	if err := s.flush(ctx, tick); err != nil {
		return err
	}

	if s.inbox == nil {
		return nil
	}
	bundles, err := s.inbox.PendingBundles(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("list pending bundles: %w", err)
	}

	for _, b := range bundles {
		status, errMsg := storage.BundleStatusProcessed, ""
		if err := s.apply(b); errors.Is(err, anchor.ErrZeroElapsed) {
			// the anchor window already rotated this second; later bundles wait too
			s.logger.Info().Int64("bundle", b.ID).Msg("bundle deferred to next tick")
			return nil
		} else if err != nil {
			status, errMsg = storage.BundleStatusFailed, err.Error()
			s.logger.Warn().Err(err).Int64("bundle", b.ID).Str("kind", b.Kind).Msg("bundle rejected")
		} else {
			s.logger.Info().Int64("bundle", b.ID).Str("kind", b.Kind).Int("messages", len(b.Messages)).Msg("bundle applied")
		}

		if err := s.inbox.MarkBundle(ctx, b.ID, status, errMsg); err != nil {
			return fmt.Errorf("mark bundle %d: %w", b.ID, err)
		}
		if s.metrics != nil {
			s.metrics.Bundles.WithLabelValues(status).Inc()
		}
		if err := s.flush(ctx, tick); err != nil {
			return err
		}
	}
	return nil
}

// Submit applies one bundle and dispatches the resulting events.
func (s *Service) Submit(ctx context.Context, b storage.Bundle) error {
	if err := s.apply(b); err != nil {
		return err
	}
	return s.flush(ctx, s.now())
}

func (s *Service) apply(b storage.Bundle) error {
	if err := storage.ValidateBundle(b); err != nil {
		return err
	}
	var err error
	switch b.Kind {
	case storage.BundleKindPrices:
		_, err = s.core.PostPrices(b.Messages, b.Signatures, b.Symbols)
	case storage.BundleKindInvalidate:
		_, err = s.core.InvalidateReporter(b.Messages[0], b.Signatures[0])
	case storage.BundleKindFailoverOn:
		_, err = s.core.ActivateFailover(b.Symbols[0])
	case storage.BundleKindFailoverOff:
		_, err = s.core.DeactivateFailover(b.Symbols[0])
	}
	return err
}

// flush drains the core's event log. Events that fail to persist go back on
// the log so the next flush retries them.
func (s *Service) flush(ctx context.Context, at time.Time) error {
	evs := s.core.Events().Drain()
	if len(evs) == 0 {
		return nil
	}

	if s.store != nil {
		if err := s.store.RecordEvents(ctx, evs, at); err != nil {
			s.core.Events().Append(evs...)
			return fmt.Errorf("record events: %w", err)
		}
	}

	if s.metrics != nil {
		s.metrics.Observe(evs)
	}

	for _, ev := range evs {
		switch e := ev.(type) {
		case events.PriceUpdated:
			if s.cache != nil {
				if err := s.cache.SetPrice(ctx, e.Symbol, decimal.NewFromBigInt(e.Price, -6), at); err != nil {
					s.logger.Error().Err(err).Str("symbol", e.Symbol).Msg("failed to cache price")
				}
			}
		case events.PriceGuarded:
			s.alert(ctx, alerting.Notification{
				Time:          at,
				Kind:          alerting.KindPriceGuarded,
				Symbol:        e.Symbol,
				ReportedPrice: e.ReporterPrice,
				AnchorPrice:   e.AnchorPrice,
			})
		case events.ReporterInvalidated:
			s.alert(ctx, alerting.Notification{
				Time:     at,
				Kind:     alerting.KindReporterInvalidated,
				Reporter: e.Reporter,
			})
		}
	}
	return nil
}

func (s *Service) alert(ctx context.Context, note alerting.Notification) {
	if !s.alertsOn || s.notifier == nil {
		return
	}

	key := note.Kind + ":" + note.Symbol
	if note.Kind == alerting.KindPriceGuarded && s.cooldown > 0 {
		s.alertMu.Lock()
		last, ok := s.lastAlert[key]
		if ok && note.Time.Sub(last) < s.cooldown {
			s.alertMu.Unlock()
			s.logger.Debug().Str("symbol", note.Symbol).Msg("alert suppressed by cooldown")
			return
		}
		s.lastAlert[key] = note.Time
		s.alertMu.Unlock()
	}

	note.Channels = s.channels
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("kind", note.Kind).Str("symbol", note.Symbol).Msg("failed to dispatch alert")
	}
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

// Validate reports whether the service can run.
func (s *Service) Validate() error {
	if s.core == nil {
		return ErrNoCore
	}
	return nil
}
