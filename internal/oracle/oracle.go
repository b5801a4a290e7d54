// Package oracle is the anchored price view: it accepts signed reporter
// prices, checks them against a TWAP anchor and publishes one price per asset.
//
// Every state-changing call is serialised and atomic. It either commits all of
// its state and events or returns an error having changed nothing.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"anchored-view/internal/anchor"
	"anchored-view/internal/events"
	"anchored-view/internal/message"
	"anchored-view/internal/pricedata"
	"anchored-view/internal/registry"
)

var (
	// ErrLengthMismatch indicates messages and signatures differ in length.
	ErrLengthMismatch = errors.New("messages and signatures must be 1:1")
	// ErrNotReporterSource indicates a posted symbol is not priced by the reporter.
	ErrNotReporterSource = errors.New("only reporter prices get posted")
	// ErrInvalidRotateMessage indicates an invalidation message without the rotate tag.
	ErrInvalidRotateMessage = errors.New("invalid message must be 'rotate'")
	// ErrReporterMismatch indicates an invalidation not signed by the reporter.
	ErrReporterMismatch = errors.New("invalidation message must come from the reporter")
	// ErrInvalidParams indicates unusable construction parameters.
	ErrInvalidParams = errors.New("invalid oracle params")
	// ErrFailoverActive indicates failover is already on for the symbol.
	ErrFailoverActive = errors.New("failover already activated")
	// ErrFailoverInactive indicates failover is already off for the symbol.
	ErrFailoverInactive = errors.New("failover already deactivated")
)

var (
	expScale   = big.NewInt(1e18)
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	// 1e30, the scale of underlying prices handed to collateral valuation.
	underlyingScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	ethHash         = registry.HashSymbol(registry.EthSymbol)
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Params are the deployment-wide guard settings.
type Params struct {
	// Reporter is the single identity whose prices may be published.
	Reporter common.Address
	// AnchorToleranceMantissa is the allowed deviation as an 18-decimal fraction.
	AnchorToleranceMantissa *big.Int
	// AnchorPeriod is the minimum age of the old observation before rotation.
	AnchorPeriod time.Duration
	// FutureTolerance bounds how far ahead message timestamps may be.
	FutureTolerance time.Duration
}

// State is the durable portion of the view.
type State struct {
	Observations        []pricedata.Entry
	Prices              map[common.Hash]*big.Int
	Windows             map[common.Hash]anchor.Window
	Failover            map[common.Hash]bool
	ReporterInvalidated bool
}

// Option customises a view.
type Option func(*AnchoredView)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(v *AnchoredView) { v.clock = c }
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(v *AnchoredView) { v.logger = logger.With().Str("component", "oracle").Logger() }
}

// AnchoredView holds every piece of oracle state.
type AnchoredView struct {
	mu sync.Mutex

	registry    *registry.Registry
	store       *pricedata.Store
	engine      *anchor.Engine
	prices      map[common.Hash]*big.Int
	reporter    common.Address
	invalidated bool
	failover    map[common.Hash]bool

	upperRatio *big.Int
	lowerRatio *big.Int

	clock  Clock
	logger zerolog.Logger
	log    events.Log
}

// New builds a view over reg, seeding the observation window of every
// reporter-priced asset from pairs at the current time.
func New(params Params, reg *registry.Registry, pairs anchor.PairSource, opts ...Option) (*AnchoredView, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidParams)
	}
	if pairs == nil {
		return nil, fmt.Errorf("%w: pair source is required", ErrInvalidParams)
	}
	if params.AnchorPeriod < 0 {
		return nil, fmt.Errorf("%w: anchor period must not be negative", ErrInvalidParams)
	}
	tol := params.AnchorToleranceMantissa
	if tol == nil {
		tol = new(big.Int)
	}
	if tol.Sign() < 0 {
		return nil, fmt.Errorf("%w: anchor tolerance must not be negative", ErrInvalidParams)
	}

	v := &AnchoredView{
		registry: reg,
		store:    pricedata.New(params.FutureTolerance),
		engine:   anchor.NewEngine(pairs, params.AnchorPeriod),
		prices:   make(map[common.Hash]*big.Int),
		failover: make(map[common.Hash]bool),
		reporter: params.Reporter,
		clock:    SystemClock,
		logger:   zerolog.Nop(),
	}
	v.upperRatio, v.lowerRatio = boundRatios(tol)
	for _, opt := range opts {
		opt(v)
	}

	now := v.now()
	var evs []events.Event
	for _, cfg := range reg.All() {
		if cfg.PriceSource != registry.Reporter {
			continue
		}
		ev, err := v.engine.Init(cfg, now)
		if err != nil {
			return nil, fmt.Errorf("init anchor window for %s: %w", cfg.Symbol, err)
		}
		evs = append(evs, ev)
	}
	v.log.Append(evs...)

	return v, nil
}

func boundRatios(tol *big.Int) (upper, lower *big.Int) {
	upper = new(big.Int).Add(expScale, tol)
	if upper.Cmp(maxUint256) > 0 {
		upper.Set(maxUint256)
	}
	if tol.Cmp(expScale) < 0 {
		lower = new(big.Int).Sub(expScale, tol)
	} else {
		lower = big.NewInt(1)
	}
	return upper, lower
}

func (v *AnchoredView) now() uint64 {
	return uint64(v.clock.Now().Unix())
}

// Events returns the append-only log of committed events.
func (v *AnchoredView) Events() *events.Log { return &v.log }

// Registry returns the immutable asset registry.
func (v *AnchoredView) Registry() *registry.Registry { return v.registry }

// Reporter returns the deployment reporter identity.
func (v *AnchoredView) Reporter() common.Address { return v.reporter }

// ReporterInvalidated reports whether the reporter has revoked itself.
func (v *AnchoredView) ReporterInvalidated() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.invalidated
}

// Bounds returns the inclusive range a reported price must fall in for anchor.
func (v *AnchoredView) Bounds(anchorPrice *big.Int) (lower, upper *big.Int) {
	lower = new(big.Int).Mul(anchorPrice, v.lowerRatio)
	lower.Quo(lower, expScale)
	upper = new(big.Int).Mul(anchorPrice, v.upperRatio)
	upper.Quo(upper, expScale)
	if upper.Cmp(maxUint256) > 0 {
		upper.Set(maxUint256)
	}
	return lower, upper
}

func (v *AnchoredView) withinAnchor(reported, anchorPrice *big.Int) bool {
	if reported.Sign() <= 0 || anchorPrice.Sign() <= 0 {
		return false
	}
	lower, upper := v.Bounds(anchorPrice)
	return reported.Cmp(lower) >= 0 && reported.Cmp(upper) <= 0
}

func (v *AnchoredView) effectiveReporter(cfg registry.TokenConfig) common.Address {
	if cfg.Reporter != (common.Address{}) {
		return cfg.Reporter
	}
	return v.reporter
}

func reportedPrice(raw uint64, cfg registry.TokenConfig) *big.Int {
	out := new(big.Int).SetUint64(raw)
	out.Mul(out, cfg.ReporterMultiplier)
	return out.Quo(out, cfg.BaseUnit)
}

type anchorResult struct {
	price   *big.Int
	updated *events.AnchorWindowUpdated
}

// anchorPass pokes every window a post needs, at most once per symbol. Prior
// windows are journalled so a failure can be undone.
type anchorPass struct {
	v       *AnchoredView
	now     uint64
	journal map[common.Hash]anchor.Window
	results map[common.Hash]anchorResult
	eth     *big.Int
}

func (p *anchorPass) poke(cfg registry.TokenConfig, conversion *big.Int) (anchorResult, error) {
	if res, ok := p.results[cfg.SymbolHash]; ok {
		return res, nil
	}
	if w, ok := p.v.engine.Window(cfg.SymbolHash); ok {
		p.journal[cfg.SymbolHash] = w
	}
	poked, err := p.v.engine.Poke(cfg, p.now)
	if err != nil {
		return anchorResult{}, fmt.Errorf("anchor %s: %w", cfg.Symbol, err)
	}
	res := anchorResult{
		price:   anchor.AnchorPrice(poked.Raw, conversion, cfg.BaseUnit),
		updated: poked.Updated,
	}
	p.results[cfg.SymbolHash] = res
	return res, nil
}

func (p *anchorPass) ethPrice() (*big.Int, error) {
	if p.eth != nil {
		return p.eth, nil
	}
	cfg, err := p.v.registry.BySymbolHash(ethHash)
	if err != nil {
		return nil, fmt.Errorf("eth anchor: %w", err)
	}
	if cfg.PriceSource != registry.Reporter {
		return nil, fmt.Errorf("eth anchor: %w", ErrNotReporterSource)
	}
	res, err := p.poke(cfg, anchor.EthBaseUnit)
	if err != nil {
		return nil, err
	}
	p.eth = res.price
	return p.eth, nil
}

func (p *anchorPass) rollback() {
	for hash, w := range p.journal {
		p.v.engine.Restore(hash, w)
	}
}

// PostPrices stores every signed pair and then guards and publishes the
// requested symbols. Pairs from any signer are stored; only the reporter's
// prices are ever published.
func (v *AnchoredView) PostPrices(messages, signatures [][]byte, symbols []string) ([]events.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(messages) != len(signatures) {
		return nil, fmt.Errorf("%w: %d messages, %d signatures", ErrLengthMismatch, len(messages), len(signatures))
	}

	signed := make([]message.Signed, len(messages))
	for i := range messages {
		s, err := message.Verify(messages[i], signatures[i])
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		signed[i] = s
	}

	configs := make([]registry.TokenConfig, len(symbols))
	for i, symbol := range symbols {
		cfg, err := v.registry.BySymbol(symbol)
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", symbol, err)
		}
		if cfg.PriceSource != registry.Reporter {
			return nil, fmt.Errorf("symbol %q: %w", symbol, ErrNotReporterSource)
		}
		configs[i] = cfg
	}

	now := v.now()
	pass := &anchorPass{
		v:       v,
		now:     now,
		journal: make(map[common.Hash]anchor.Window),
		results: make(map[common.Hash]anchorResult),
	}
	anchors := make([]*big.Int, len(configs))
	if len(configs) > 0 {
		ethPrice, err := pass.ethPrice()
		if err != nil {
			pass.rollback()
			return nil, err
		}
		for i, cfg := range configs {
			if cfg.SymbolHash == ethHash {
				anchors[i] = ethPrice
				continue
			}
			res, err := pass.poke(cfg, ethPrice)
			if err != nil {
				pass.rollback()
				return nil, err
			}
			anchors[i] = res.price
		}
	}

	var evs []events.Event
	for _, s := range signed {
		for _, pair := range s.Pairs {
			evs = append(evs, v.store.Put(s.Source, s.Timestamp, pair.Key, pair.Value, now))
		}
	}

	emitted := make(map[common.Hash]bool, len(configs)+1)
	emitWindow := func(hash common.Hash) {
		if emitted[hash] {
			return
		}
		emitted[hash] = true
		if res := pass.results[hash]; res.updated != nil {
			evs = append(evs, *res.updated)
		}
	}
	if len(configs) > 0 {
		emitWindow(ethHash)
	}

	for i, cfg := range configs {
		emitWindow(cfg.SymbolHash)
		evs = append(evs, v.guard(cfg, anchors[i]))
	}

	v.log.Append(evs...)
	return evs, nil
}

func (v *AnchoredView) guard(cfg registry.TokenConfig, anchorPrice *big.Int) events.Event {
	if v.invalidated || v.failover[cfg.SymbolHash] {
		if anchorPrice.Sign() > 0 {
			v.prices[cfg.SymbolHash] = anchorPrice
			v.logger.Debug().Str("symbol", cfg.Symbol).Str("price", anchorPrice.String()).Msg("published anchor price")
			return events.PriceUpdated{Symbol: cfg.Symbol, SymbolHash: cfg.SymbolHash, Price: anchorPrice}
		}
		v.logger.Warn().Str("symbol", cfg.Symbol).Msg("no anchor price to publish")
		return events.PriceGuarded{Symbol: cfg.Symbol, SymbolHash: cfg.SymbolHash, ReporterPrice: new(big.Int), AnchorPrice: anchorPrice}
	}

	rec := v.store.Get(v.effectiveReporter(cfg), cfg.Symbol)
	reported := reportedPrice(rec.Value, cfg)
	if !v.withinAnchor(reported, anchorPrice) {
		v.logger.Warn().
			Str("symbol", cfg.Symbol).
			Str("reported", reported.String()).
			Str("anchor", anchorPrice.String()).
			Msg("reported price guarded")
		return events.PriceGuarded{Symbol: cfg.Symbol, SymbolHash: cfg.SymbolHash, ReporterPrice: reported, AnchorPrice: anchorPrice}
	}

	v.prices[cfg.SymbolHash] = reported
	v.logger.Debug().Str("symbol", cfg.Symbol).Str("price", reported.String()).Msg("price updated")
	return events.PriceUpdated{Symbol: cfg.Symbol, SymbolHash: cfg.SymbolHash, Price: reported}
}

// InvalidateReporter permanently stops reporter prices from being published.
// Only the reporter itself may invalidate, with a signed rotate message.
func (v *AnchoredView) InvalidateReporter(msg, signature []byte) ([]events.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rot, err := message.DecodeRotate(msg)
	if err != nil {
		return nil, err
	}
	if rot.Tag != message.RotateTag {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidRotateMessage, rot.Tag)
	}
	signer := message.Source(msg, signature)
	if signer == (common.Address{}) || signer != v.reporter {
		return nil, fmt.Errorf("%w: signed by %s", ErrReporterMismatch, signer.Hex())
	}

	v.invalidated = true
	v.logger.Warn().Str("reporter", v.reporter.Hex()).Str("new_reporter", rot.NewReporter.Hex()).Msg("reporter invalidated")

	evs := []events.Event{events.ReporterInvalidated{Reporter: v.reporter}}
	v.log.Append(evs...)
	return evs, nil
}

// ActivateFailover makes symbol publish its anchor price instead of the
// reporter's. The anchor is refreshed and published immediately; activation
// fails, changing nothing, when that anchor cannot be computed.
func (v *AnchoredView) ActivateFailover(symbol string) ([]events.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cfg, err := v.failoverConfig(symbol)
	if err != nil {
		return nil, err
	}
	if v.failover[cfg.SymbolHash] {
		return nil, fmt.Errorf("symbol %q: %w", symbol, ErrFailoverActive)
	}

	pass := &anchorPass{
		v:       v,
		now:     v.now(),
		journal: make(map[common.Hash]anchor.Window),
		results: make(map[common.Hash]anchorResult),
	}
	ethPrice, err := pass.ethPrice()
	if err != nil {
		pass.rollback()
		return nil, err
	}
	anchorPrice := ethPrice
	if cfg.SymbolHash != ethHash {
		res, err := pass.poke(cfg, ethPrice)
		if err != nil {
			pass.rollback()
			return nil, err
		}
		anchorPrice = res.price
	}

	v.failover[cfg.SymbolHash] = true
	v.logger.Warn().Str("symbol", cfg.Symbol).Msg("failover activated")

	evs := []events.Event{events.FailoverActivated{Symbol: cfg.Symbol, SymbolHash: cfg.SymbolHash}}
	hashes := []common.Hash{ethHash}
	if cfg.SymbolHash != ethHash {
		hashes = append(hashes, cfg.SymbolHash)
	}
	for _, hash := range hashes {
		if res := pass.results[hash]; res.updated != nil {
			evs = append(evs, *res.updated)
		}
	}
	evs = append(evs, v.guard(cfg, anchorPrice))

	v.log.Append(evs...)
	return evs, nil
}

// DeactivateFailover lets symbol publish reporter prices again from its next post.
func (v *AnchoredView) DeactivateFailover(symbol string) ([]events.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cfg, err := v.failoverConfig(symbol)
	if err != nil {
		return nil, err
	}
	if !v.failover[cfg.SymbolHash] {
		return nil, fmt.Errorf("symbol %q: %w", symbol, ErrFailoverInactive)
	}

	delete(v.failover, cfg.SymbolHash)
	v.logger.Info().Str("symbol", cfg.Symbol).Msg("failover deactivated")

	evs := []events.Event{events.FailoverDeactivated{Symbol: cfg.Symbol, SymbolHash: cfg.SymbolHash}}
	v.log.Append(evs...)
	return evs, nil
}

func (v *AnchoredView) failoverConfig(symbol string) (registry.TokenConfig, error) {
	cfg, err := v.registry.BySymbol(symbol)
	if err != nil {
		return registry.TokenConfig{}, fmt.Errorf("symbol %q: %w", symbol, err)
	}
	if cfg.PriceSource != registry.Reporter {
		return registry.TokenConfig{}, fmt.Errorf("symbol %q: %w", symbol, ErrNotReporterSource)
	}
	return cfg, nil
}
