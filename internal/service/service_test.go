package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchored-view/internal/alerting"
	"anchored-view/internal/anchor"
	"anchored-view/internal/config"
	"anchored-view/internal/events"
	"anchored-view/internal/message"
	"anchored-view/internal/metrics"
	"anchored-view/internal/oracle"
	"anchored-view/internal/registry"
	"anchored-view/internal/storage"
)

const (
	reporterKeyHex = "177ee777e72b8c042e05ef41d1db0f17f1fcb0e8150b37cfad6993e4373bdf10"
	t0             = uint64(1_700_000_000)
)

var ethMarket = common.HexToAddress("0x00000000000000000000000000000000000000e1")

type fakeInbox struct {
	pending []storage.Bundle
	marks   map[int64]string
	errs    map[int64]string
}

func (f *fakeInbox) InsertBundle(_ context.Context, b storage.Bundle) (storage.Bundle, error) {
	b.ID = int64(len(f.pending) + 1)
	f.pending = append(f.pending, b)
	return b, nil
}

func (f *fakeInbox) PendingBundles(_ context.Context, limit int) ([]storage.Bundle, error) {
	var out []storage.Bundle
	for _, b := range f.pending {
		if _, marked := f.marks[b.ID]; marked {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeInbox) MarkBundle(_ context.Context, id int64, status string, errMsg string) error {
	if f.marks == nil {
		f.marks = map[int64]string{}
		f.errs = map[int64]string{}
	}
	f.marks[id] = status
	f.errs[id] = errMsg
	return nil
}

type fakeStore struct {
	fail     bool
	recorded []events.Event
}

func (f *fakeStore) RecordEvents(_ context.Context, evs []events.Event, _ time.Time) error {
	if f.fail {
		return errors.New("database unavailable")
	}
	f.recorded = append(f.recorded, evs...)
	return nil
}

type fakeState struct{ st oracle.State }

func (f fakeState) LoadState(context.Context) (oracle.State, error) { return f.st, nil }

type fakeCache struct {
	prices map[string]decimal.Decimal
}

func (f *fakeCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, _ time.Time) error {
	if f.prices == nil {
		f.prices = map[string]decimal.Decimal{}
	}
	f.prices[symbol] = price
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

type fakeLocker struct{ acquired bool }

func (f fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, f.acquired, nil
}

type harness struct {
	svc      *Service
	core     *oracle.AnchoredView
	inbox    *fakeInbox
	store    *fakeStore
	cache    *fakeCache
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	key      *ecdsa.PrivateKey
	now      *uint64
}

// newHarness anchors ETH at 100 USD with a 10% tolerance.
func newHarness(t *testing.T, state *oracle.State, locker fakeLocker) *harness {
	t.Helper()

	key, err := crypto.HexToECDSA(reporterKeyHex)
	require.NoError(t, err)

	reg, err := registry.New([]registry.TokenConfig{{
		Symbol:             "ETH",
		Token:              common.HexToAddress("0x01"),
		Underlying:         common.HexToAddress("0x01"),
		BaseUnit:           big.NewInt(1e18),
		PriceSource:        registry.Reporter,
		AnchorMarket:       ethMarket,
		ReporterMultiplier: big.NewInt(1e16),
	}})
	require.NoError(t, err)

	pair := anchor.NewSimulatedPair(new(big.Int).Mul(big.NewInt(1e18), big.NewInt(1000)), big.NewInt(100e9), t0)
	now := new(uint64)
	*now = t0
	core, err := oracle.New(oracle.Params{
		Reporter:                crypto.PubkeyToAddress(key.PublicKey),
		AnchorToleranceMantissa: big.NewInt(1e17),
		AnchorPeriod:            30 * time.Minute,
	}, reg, anchor.StaticPairs{ethMarket: pair}, oracle.WithClock(oracle.ClockFunc(func() time.Time {
		return time.Unix(int64(*now), 0)
	})))
	require.NoError(t, err)
	*now = t0 + 60

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{BatchSize: 10, AdvisoryLockKey: 42},
		Alerting:  config.AlertingConfig{Enabled: true, Cooldown: time.Hour, Channels: []string{"telegram"}},
	}
	h := &harness{
		core:     core,
		inbox:    &fakeInbox{},
		store:    &fakeStore{},
		cache:    &fakeCache{},
		notifier: &fakeNotifier{},
		metrics:  metrics.New(),
		key:      key,
		now:      now,
	}
	deps := Deps{
		Core:     core,
		Inbox:    h.inbox,
		Store:    h.store,
		Locker:   locker,
		Cache:    h.cache,
		Metrics:  h.metrics,
		Notifier: h.notifier,
	}
	if state != nil {
		deps.State = fakeState{st: *state}
	}
	h.svc = New(cfg, deps, zerolog.Nop())
	return h
}

func (h *harness) priceBundle(t *testing.T, ethUSD int64) storage.Bundle {
	t.Helper()
	return h.priceBundleAt(t, t0+60, ethUSD)
}

func (h *harness) priceBundleAt(t *testing.T, ts uint64, ethUSD int64) storage.Bundle {
	t.Helper()
	msg, err := message.Encode(ts, []message.Pair{{Key: "ETH", Value: uint64(ethUSD) * 1e8}})
	require.NoError(t, err)
	sig, err := message.Sign(msg, h.key)
	require.NoError(t, err)
	return storage.Bundle{Kind: storage.BundleKindPrices, Messages: [][]byte{msg}, Signatures: [][]byte{sig}, Symbols: []string{"ETH"}}
}

func (h *harness) invalidateBundle(t *testing.T) storage.Bundle {
	t.Helper()
	msg, err := message.EncodeRotate(message.RotateTag, common.HexToAddress("0xbeef"))
	require.NoError(t, err)
	sig, err := message.Sign(msg, h.key)
	require.NoError(t, err)
	return storage.Bundle{Kind: storage.BundleKindInvalidate, Messages: [][]byte{msg}, Signatures: [][]byte{sig}}
}

func tick() time.Time { return time.Unix(int64(t0+60), 0).UTC() }

func TestProcessTickAppliesBundles(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: true})
	ctx := context.Background()

	_, _ = h.inbox.InsertBundle(ctx, h.priceBundle(t, 101))
	_, _ = h.inbox.InsertBundle(ctx, storage.Bundle{Kind: storage.BundleKindPrices, Messages: [][]byte{{0x01}}, Signatures: nil})

	require.NoError(t, h.svc.ProcessTick(ctx, tick()))

	assert.Equal(t, storage.BundleStatusProcessed, h.inbox.marks[1])
	assert.Equal(t, storage.BundleStatusFailed, h.inbox.marks[2])
	assert.NotEmpty(t, h.inbox.errs[2])

	kinds := make([]events.Kind, 0, len(h.store.recorded))
	for _, ev := range h.store.recorded {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []events.Kind{
		events.KindAnchorWindowUpdated, // seed
		events.KindWrite,
		events.KindPriceUpdated,
	}, kinds)

	require.Contains(t, h.cache.prices, "ETH")
	assert.True(t, h.cache.prices["ETH"].Equal(decimal.NewFromInt(101)))
	assert.Empty(t, h.notifier.notes)
	assert.Equal(t, 0, h.core.Events().Len())
}

func TestProcessTickSkipsWithoutLock(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: false})
	_, _ = h.inbox.InsertBundle(context.Background(), h.priceBundle(t, 100))

	require.NoError(t, h.svc.ProcessTick(context.Background(), tick()))
	assert.Empty(t, h.inbox.marks)
	assert.Empty(t, h.store.recorded)
}

func TestGuardAlertCooldown(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: true})
	ctx := context.Background()

	require.NoError(t, h.svc.Submit(ctx, h.priceBundle(t, 200)))
	require.NoError(t, h.svc.Submit(ctx, h.priceBundle(t, 200)))

	require.Len(t, h.notifier.notes, 1)
	note := h.notifier.notes[0]
	assert.Equal(t, alerting.KindPriceGuarded, note.Kind)
	assert.Equal(t, "ETH", note.Symbol)
	assert.Equal(t, 0, note.ReportedPrice.Cmp(big.NewInt(200e6)))
	assert.Equal(t, 0, note.AnchorPrice.Cmp(big.NewInt(100e6)))
	assert.Equal(t, []string{"telegram"}, note.Channels)
	assert.NotContains(t, h.cache.prices, "ETH")
}

func TestInvalidateAlwaysAlerts(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: true})
	ctx := context.Background()

	require.NoError(t, h.svc.Submit(ctx, h.invalidateBundle(t)))
	require.Len(t, h.notifier.notes, 1)
	assert.Equal(t, alerting.KindReporterInvalidated, h.notifier.notes[0].Kind)

	// anchor-only pricing after invalidation
	require.NoError(t, h.svc.Submit(ctx, h.priceBundle(t, 200)))
	assert.True(t, h.cache.prices["ETH"].Equal(decimal.NewFromInt(100)))
}

func TestProcessTickDefersBundlesAfterRotation(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: true})
	ctx := context.Background()

	// a full anchor period after the seed, so the first post rotates the window
	*h.now = t0 + 1800
	_, _ = h.inbox.InsertBundle(ctx, h.priceBundleAt(t, t0+1800, 101))
	_, _ = h.inbox.InsertBundle(ctx, h.priceBundleAt(t, t0+1800, 102))

	require.NoError(t, h.svc.ProcessTick(ctx, time.Unix(int64(t0+1800), 0)))
	assert.Equal(t, storage.BundleStatusProcessed, h.inbox.marks[1])
	assert.NotContains(t, h.inbox.marks, int64(2), "second bundle stays pending")
	assert.True(t, h.cache.prices["ETH"].Equal(decimal.NewFromInt(101)))

	*h.now = t0 + 1801
	require.NoError(t, h.svc.ProcessTick(ctx, time.Unix(int64(t0+1801), 0)))
	assert.Equal(t, storage.BundleStatusProcessed, h.inbox.marks[2])
	assert.True(t, h.cache.prices["ETH"].Equal(decimal.NewFromInt(102)))
}

func TestAnchorRefreshWithoutMessages(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: true})
	ctx := context.Background()

	require.NoError(t, h.svc.Submit(ctx, h.invalidateBundle(t)))
	require.NoError(t, h.svc.Submit(ctx, storage.Bundle{Kind: storage.BundleKindPrices, Symbols: []string{"ETH"}}))
	assert.True(t, h.cache.prices["ETH"].Equal(decimal.NewFromInt(100)))
}

func TestFailoverBundles(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: true})
	ctx := context.Background()
	failover := func(kind string) storage.Bundle {
		return storage.Bundle{Kind: kind, Symbols: []string{"ETH"}}
	}

	_, _ = h.inbox.InsertBundle(ctx, failover(storage.BundleKindFailoverOn))
	_, _ = h.inbox.InsertBundle(ctx, h.priceBundle(t, 105))
	_, _ = h.inbox.InsertBundle(ctx, failover(storage.BundleKindFailoverOn))
	require.NoError(t, h.svc.ProcessTick(ctx, tick()))

	assert.Equal(t, storage.BundleStatusProcessed, h.inbox.marks[1])
	assert.Equal(t, storage.BundleStatusProcessed, h.inbox.marks[2])
	assert.Equal(t, storage.BundleStatusFailed, h.inbox.marks[3])
	assert.Contains(t, h.inbox.errs[3], oracle.ErrFailoverActive.Error())
	assert.True(t, h.cache.prices["ETH"].Equal(decimal.NewFromInt(100)), "anchor published while failed over")
	assert.Len(t, events.Filter(h.store.recorded, events.KindFailoverActivated), 1)

	require.NoError(t, h.svc.Submit(ctx, failover(storage.BundleKindFailoverOff)))
	assert.False(t, h.core.FailoverActive("ETH"))
	require.NoError(t, h.svc.Submit(ctx, h.priceBundle(t, 104)))
	assert.True(t, h.cache.prices["ETH"].Equal(decimal.NewFromInt(104)))
}

func TestSubmitRejectsInvalidBundle(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: true})
	err := h.svc.Submit(context.Background(), storage.Bundle{Kind: "unknown", Messages: [][]byte{{1}}})
	assert.ErrorIs(t, err, storage.ErrInvalidBundle)
}

func TestFlushRetriesAfterStoreFailure(t *testing.T) {
	h := newHarness(t, nil, fakeLocker{acquired: true})
	ctx := context.Background()

	h.store.fail = true
	require.Error(t, h.svc.Submit(ctx, h.priceBundle(t, 100)))
	pending := h.core.Events().Len()
	assert.Positive(t, pending)

	h.store.fail = false
	require.NoError(t, h.svc.ProcessTick(ctx, tick()))
	assert.Len(t, h.store.recorded, pending)
	assert.Equal(t, 0, h.core.Events().Len())
}

func TestRestoreDropsRestoredSeeds(t *testing.T) {
	hash := registry.HashSymbol("ETH")
	h := newHarness(t, &oracle.State{
		Prices:              map[common.Hash]*big.Int{hash: big.NewInt(95e6)},
		ReporterInvalidated: false,
	}, fakeLocker{acquired: true})
	require.NoError(t, h.svc.Restore(context.Background()))
	assert.Equal(t, 1, h.core.Events().Len(), "seed kept when no window was persisted")

	w, err := h.core.AnchorWindow("ETH")
	require.NoError(t, err)
	h2 := newHarness(t, &oracle.State{
		Windows:             map[common.Hash]anchor.Window{hash: w},
		Failover:            map[common.Hash]bool{hash: true},
		ReporterInvalidated: true,
	}, fakeLocker{acquired: true})
	require.NoError(t, h2.svc.Restore(context.Background()))
	assert.Equal(t, 0, h2.core.Events().Len())
	assert.True(t, h2.core.ReporterInvalidated())
	assert.True(t, h2.core.FailoverActive("ETH"))

	p, err := h.core.Price("ETH")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cmp(big.NewInt(95e6)))
}

func TestAnchorMarketsDedupes(t *testing.T) {
	reg, err := registry.New([]registry.TokenConfig{
		{Symbol: "ETH", Token: common.HexToAddress("0x11"), BaseUnit: big.NewInt(1e18), PriceSource: registry.Reporter, AnchorMarket: ethMarket, ReporterMultiplier: big.NewInt(1e16)},
		{Symbol: "WETH", Token: common.HexToAddress("0x12"), BaseUnit: big.NewInt(1e18), PriceSource: registry.Reporter, AnchorMarket: ethMarket, ReporterMultiplier: big.NewInt(1e16)},
		{Symbol: "USDC", Token: common.HexToAddress("0x13"), BaseUnit: big.NewInt(1e6), PriceSource: registry.FixedUSD, FixedPrice: big.NewInt(1e6)},
	})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{ethMarket}, AnchorMarkets(reg))
	assert.Nil(t, AnchorMarkets(nil))
}
