package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"anchored-view/internal/registry"
	"anchored-view/internal/storage"
)

// QueueFailover queues a failover switch for symbol. The running service
// applies it on its next tick.
func (a *App) QueueFailover(ctx context.Context, symbol string, active bool) error {
	reg, err := a.newRegistry()
	if err != nil {
		return err
	}
	bundle, err := failoverBundle(reg, symbol, active)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot queue failover")
	}
	if closeStore != nil {
		defer closeStore()
	}

	queued, err := store.InsertBundle(ctx, bundle)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("bundle", queued.ID).Str("kind", queued.Kind).Str("symbol", bundle.Symbols[0]).Msg("failover queued")
	return nil
}

func failoverBundle(reg *registry.Registry, symbol string, active bool) (storage.Bundle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	cfg, err := reg.BySymbol(symbol)
	if err != nil {
		return storage.Bundle{}, fmt.Errorf("symbol %q: %w", symbol, err)
	}
	if cfg.PriceSource != registry.Reporter {
		return storage.Bundle{}, fmt.Errorf("symbol %q is priced %s; failover only applies to reporter prices", symbol, cfg.PriceSource)
	}

	kind := storage.BundleKindFailoverOff
	if active {
		kind = storage.BundleKindFailoverOn
	}
	return storage.Bundle{Kind: kind, Symbols: []string{symbol}}, nil
}
