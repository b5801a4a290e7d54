package oracle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"anchored-view/internal/anchor"
	"anchored-view/internal/pricedata"
	"anchored-view/internal/registry"
)

// Price returns the price of symbol in 1e6 units. Unpriced assets return zero.
func (v *AnchoredView) Price(symbol string) (*big.Int, error) {
	return v.PriceBySymbolHash(registry.HashSymbol(symbol))
}

// PriceBySymbolHash is Price keyed by symbol hash.
func (v *AnchoredView) PriceBySymbolHash(hash common.Hash) (*big.Int, error) {
	cfg, err := v.registry.BySymbolHash(hash)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.priceOf(cfg), nil
}

// GetUnderlyingPrice returns the price of token's underlying asset scaled by
// 1e30 / baseUnit, the form collateral valuation expects.
func (v *AnchoredView) GetUnderlyingPrice(token common.Address) (*big.Int, error) {
	cfg, err := v.registry.ByToken(token)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	price := v.priceOf(cfg)
	v.mu.Unlock()

	out := new(big.Int).Mul(underlyingScale, price)
	return out.Quo(out, cfg.BaseUnit), nil
}

func (v *AnchoredView) priceOf(cfg registry.TokenConfig) *big.Int {
	switch cfg.PriceSource {
	case registry.FixedUSD:
		return new(big.Int).Set(cfg.FixedPrice)
	case registry.FixedETH:
		ethCfg, err := v.registry.BySymbolHash(ethHash)
		if err != nil {
			return new(big.Int)
		}
		out := new(big.Int).Mul(v.priceOf(ethCfg), cfg.FixedPrice)
		return out.Quo(out, expScale)
	case registry.Reporter:
		if p, ok := v.prices[cfg.SymbolHash]; ok {
			return new(big.Int).Set(p)
		}
		return new(big.Int)
	default:
		panic(fmt.Sprintf("unhandled price source %s", cfg.PriceSource))
	}
}

// Observation returns what source last reported for symbol.
func (v *AnchoredView) Observation(source common.Address, symbol string) pricedata.Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.Get(source, symbol)
}

// FailoverActive reports whether symbol publishes its anchor price instead of
// the reporter's.
func (v *AnchoredView) FailoverActive(symbol string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failover[registry.HashSymbol(symbol)]
}

// AnchorWindow returns the observation window of a reporter-priced symbol.
func (v *AnchoredView) AnchorWindow(symbol string) (anchor.Window, error) {
	cfg, err := v.registry.BySymbol(symbol)
	if err != nil {
		return anchor.Window{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.engine.Window(cfg.SymbolHash)
	if !ok {
		return anchor.Window{}, fmt.Errorf("symbol %q: %w", symbol, anchor.ErrNoWindow)
	}
	return w, nil
}

// NumTokens returns the number of configured assets.
func (v *AnchoredView) NumTokens() int { return v.registry.Len() }

// Config returns the i-th asset config.
func (v *AnchoredView) Config(i int) (registry.TokenConfig, error) { return v.registry.ByIndex(i) }

// ConfigBySymbolHash returns the config for a symbol hash.
func (v *AnchoredView) ConfigBySymbolHash(hash common.Hash) (registry.TokenConfig, error) {
	return v.registry.BySymbolHash(hash)
}

// ConfigByToken returns the config for a token identity.
func (v *AnchoredView) ConfigByToken(token common.Address) (registry.TokenConfig, error) {
	return v.registry.ByToken(token)
}

// ConfigByUnderlying returns the config for an underlying asset.
func (v *AnchoredView) ConfigByUnderlying(underlying common.Address) (registry.TokenConfig, error) {
	return v.registry.ByUnderlying(underlying)
}

// ConfigByReporter returns the config attested by reporter.
func (v *AnchoredView) ConfigByReporter(reporter common.Address) (registry.TokenConfig, error) {
	return v.registry.ByReporter(reporter)
}

// State snapshots the durable state.
func (v *AnchoredView) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	prices := make(map[common.Hash]*big.Int, len(v.prices))
	for k, p := range v.prices {
		prices[k] = new(big.Int).Set(p)
	}
	failover := make(map[common.Hash]bool, len(v.failover))
	for k := range v.failover {
		failover[k] = true
	}
	return State{
		Observations:        v.store.Entries(),
		Prices:              prices,
		Windows:             v.engine.Windows(),
		Failover:            failover,
		ReporterInvalidated: v.invalidated,
	}
}

// Restore loads previously persisted state. Entries for assets no longer
// configured as reporter-priced are skipped, and a persisted invalidation is
// never undone.
func (v *AnchoredView) Restore(st State) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.store.Load(st.Observations)
	for hash, p := range st.Prices {
		cfg, err := v.registry.BySymbolHash(hash)
		if err != nil || cfg.PriceSource != registry.Reporter || p == nil {
			continue
		}
		v.prices[hash] = new(big.Int).Set(p)
	}
	for hash, w := range st.Windows {
		if _, ok := v.engine.Window(hash); !ok || w.Old.Acc == nil || w.New.Acc == nil {
			continue
		}
		v.engine.Restore(hash, w)
	}
	for hash, active := range st.Failover {
		cfg, err := v.registry.BySymbolHash(hash)
		if err != nil || cfg.PriceSource != registry.Reporter {
			continue
		}
		if active {
			v.failover[hash] = true
		} else {
			delete(v.failover, hash)
		}
	}
	if st.ReporterInvalidated {
		v.invalidated = true
	}
}
