// Package anchor derives anchor prices from the time-weighted average of a
// UniswapV2-style pair's cumulative price accumulators.
//
// Accumulators are 256-bit and timestamps 32-bit; both wrap, and every
// difference is taken modulo its width.
package anchor

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"anchored-view/internal/events"
	"anchored-view/internal/registry"
)

var (
	// ErrZeroElapsed indicates the window and the fresh sample share a timestamp.
	ErrZeroElapsed = errors.New("anchor: now must come after before")
	// ErrNoWindow indicates the asset was never initialised with a window.
	ErrNoWindow = errors.New("anchor: observation window not initialised")
	// ErrUnknownMarket indicates the pair source has no pair for a market.
	ErrUnknownMarket = errors.New("anchor: unknown market")
)

var (
	// EthBaseUnit is the smallest-unit scale of ETH.
	EthBaseUnit = big.NewInt(1e18)
	// ExpScale is the mantissa scale of decoded TWAP values.
	ExpScale = big.NewInt(1e18)

	// q112 / 1e18, the UQ112x112 -> 1e18 mantissa divisor.
	decode112Divisor = big.NewInt(5192296858534827)
	mask224          = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 224), uint256.NewInt(1))
	scale36          = new(big.Int).Mul(EthBaseUnit, ExpScale)
)

// Pair is the read-only view of a liquidity pair.
type Pair interface {
	Price0CumulativeLast() *uint256.Int
	Price1CumulativeLast() *uint256.Int
	Reserves() (reserve0, reserve1 *big.Int, blockTimestampLast uint32)
}

// PairSource resolves an anchor market to its pair. Implementations serve
// already committed state and must not block.
type PairSource interface {
	Pair(market common.Address) (Pair, error)
}

// Observation is one (accumulator, truncated timestamp) sample.
type Observation struct {
	Timestamp uint32
	Acc       *uint256.Int
}

// Window is the rolling pair of observations kept per asset.
type Window struct {
	Old Observation
	New Observation
}

// Fraction returns numerator/denominator as UQ112x112.
func Fraction(numerator, denominator *big.Int) *uint256.Int {
	x := new(big.Int).Lsh(numerator, 112)
	x.Quo(x, denominator)
	out, _ := uint256.FromBig(x)
	return out
}

// CurrentCumulativePrices returns the pair's accumulators as of now, accruing
// the current reserves' price over the time since the pair last updated.
func CurrentCumulativePrices(pair Pair, now uint64) (price0, price1 *uint256.Int, blockTimestamp uint32) {
	blockTimestamp = uint32(now)
	price0 = new(uint256.Int).Set(pair.Price0CumulativeLast())
	price1 = new(uint256.Int).Set(pair.Price1CumulativeLast())

	reserve0, reserve1, last := pair.Reserves()
	if last == blockTimestamp || reserve0.Sign() <= 0 || reserve1.Sign() <= 0 {
		return price0, price1, blockTimestamp
	}

	elapsed := uint256.NewInt(uint64(blockTimestamp - last))
	price0.Add(price0, new(uint256.Int).Mul(Fraction(reserve1, reserve0), elapsed))
	price1.Add(price1, new(uint256.Int).Mul(Fraction(reserve0, reserve1), elapsed))
	return price0, price1, blockTimestamp
}

// Average is the UQ112x112 mean price between two observations.
func Average(old, fresh Observation) (*uint256.Int, error) {
	elapsed := fresh.Timestamp - old.Timestamp
	if elapsed == 0 {
		return nil, ErrZeroElapsed
	}
	avg := new(uint256.Int).Sub(fresh.Acc, old.Acc)
	avg.Div(avg, uint256.NewInt(uint64(elapsed)))
	return avg.And(avg, mask224), nil
}

// Decode112With18 converts a UQ112x112 value into an 18-decimal mantissa.
func Decode112With18(x *uint256.Int) *big.Int {
	return new(big.Int).Quo(x.ToBig(), decode112Divisor)
}

// AnchorPrice converts a decoded TWAP mantissa into the common 1e6 price unit.
// conversionFactor is EthBaseUnit for ETH itself and the ETH price otherwise.
func AnchorPrice(raw, conversionFactor, baseUnit *big.Int) *big.Int {
	out := new(big.Int).Mul(raw, conversionFactor)
	out.Mul(out, baseUnit)
	return out.Quo(out, scale36)
}

// PokeResult describes one anchor evaluation.
type PokeResult struct {
	Average *uint256.Int
	Raw     *big.Int
	Window  Window
	Updated *events.AnchorWindowUpdated
}

// Engine maintains one observation window per reporter-priced asset. It is
// not safe for concurrent use; the oracle serialises access.
type Engine struct {
	pairs   PairSource
	period  uint32
	windows map[common.Hash]Window
}

// NewEngine returns an engine rotating windows every period.
func NewEngine(pairs PairSource, period time.Duration) *Engine {
	return &Engine{
		pairs:   pairs,
		period:  uint32(period / time.Second),
		windows: make(map[common.Hash]Window),
	}
}

// Period returns the anchor period in seconds.
func (e *Engine) Period() uint32 { return e.period }

func (e *Engine) sample(cfg registry.TokenConfig, now uint64) (Observation, error) {
	pair, err := e.pairs.Pair(cfg.AnchorMarket)
	if err != nil {
		return Observation{}, err
	}
	price0, price1, ts := CurrentCumulativePrices(pair, now)
	if cfg.AnchorReversed {
		return Observation{Timestamp: ts, Acc: price1}, nil
	}
	return Observation{Timestamp: ts, Acc: price0}, nil
}

// Init seeds both observations of cfg's window with a sample taken at now.
func (e *Engine) Init(cfg registry.TokenConfig, now uint64) (events.AnchorWindowUpdated, error) {
	obs, err := e.sample(cfg, now)
	if err != nil {
		return events.AnchorWindowUpdated{}, err
	}
	e.windows[cfg.SymbolHash] = Window{Old: obs, New: obs}
	return events.AnchorWindowUpdated{
		SymbolHash:     cfg.SymbolHash,
		OldTimestamp:   obs.Timestamp,
		NewTimestamp:   obs.Timestamp,
		OldAccumulator: obs.Acc,
		NewAccumulator: obs.Acc,
	}, nil
}

// Poke samples the pair, rotates the window when the old observation is at
// least one period old, and returns the TWAP since the old observation. The
// window is left untouched when an error is returned.
//
// Rotation is measured from the old observation, so a poke shortly after a
// rotation rotates again and averages over only the time since the previous
// poke. Under frequent posting the averaging span alternates between about one
// period and the posting interval.
func (e *Engine) Poke(cfg registry.TokenConfig, now uint64) (PokeResult, error) {
	w, ok := e.windows[cfg.SymbolHash]
	if !ok {
		return PokeResult{}, fmt.Errorf("%w: %s", ErrNoWindow, cfg.SymbolHash.Hex())
	}
	fresh, err := e.sample(cfg, now)
	if err != nil {
		return PokeResult{}, err
	}

	next := w
	var updated *events.AnchorWindowUpdated
	if fresh.Timestamp-w.Old.Timestamp >= e.period {
		next = Window{Old: w.New, New: fresh}
		updated = &events.AnchorWindowUpdated{
			SymbolHash:     cfg.SymbolHash,
			OldTimestamp:   w.New.Timestamp,
			NewTimestamp:   fresh.Timestamp,
			OldAccumulator: w.New.Acc,
			NewAccumulator: fresh.Acc,
		}
	}

	avg, err := Average(next.Old, fresh)
	if err != nil {
		return PokeResult{}, fmt.Errorf("%s: %w", cfg.SymbolHash.Hex(), err)
	}

	e.windows[cfg.SymbolHash] = next
	return PokeResult{
		Average: avg,
		Raw:     Decode112With18(avg),
		Window:  next,
		Updated: updated,
	}, nil
}

// Window returns the current window for a symbol hash.
func (e *Engine) Window(hash common.Hash) (Window, bool) {
	w, ok := e.windows[hash]
	return w, ok
}

// Restore replaces a window, used for rollback and for loading durable state.
func (e *Engine) Restore(hash common.Hash, w Window) {
	e.windows[hash] = w
}

// Windows returns a copy of every window.
func (e *Engine) Windows() map[common.Hash]Window {
	out := make(map[common.Hash]Window, len(e.windows))
	for k, v := range e.windows {
		out[k] = v
	}
	return out
}
