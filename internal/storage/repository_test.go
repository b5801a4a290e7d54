package storage

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchored-view/internal/events"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.LoadState(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.RecordEvents(ctx, nil, time.Now()), ErrNotConfigured)
	_, err = s.PendingBundles(ctx, 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = NewStore(nil).TryAdvisoryLock(ctx, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()
}

func TestEventStatementsWrite(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	ev := events.Write{
		Source:    common.HexToAddress("0xfCEAdAFab14d46e20144F48824d0C09B1a03F2BC"),
		Key:       "ETH",
		Timestamp: 1_700_000_000,
		Value:     18446744073709551615,
	}

	stmts, err := eventStatements(ev, at)
	require.NoError(t, err)
	require.Len(t, stmts, 2)

	assert.Equal(t, insertEventSQL, stmts[0].sql)
	assert.Equal(t, "write", stmts[0].args[0])
	var payload map[string]any
	require.NoError(t, json.Unmarshal(stmts[0].args[1].([]byte), &payload))
	assert.Equal(t, "ETH", payload["key"])

	assert.Equal(t, upsertObservationSQL, stmts[1].sql)
	assert.Equal(t, "0xfceadafab14d46e20144f48824d0c09b1a03f2bc", stmts[1].args[0])
	assert.Equal(t, "1700000000", stmts[1].args[2])
	assert.Equal(t, "18446744073709551615", stmts[1].args[3])
}

func TestEventStatementsPriceUpdated(t *testing.T) {
	hash := common.HexToHash("0x01")
	ev := events.PriceUpdated{Symbol: "BTC", SymbolHash: hash, Price: big.NewInt(60000e6)}

	stmts, err := eventStatements(ev, time.Now())
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Equal(t, upsertPublishedPriceSQL, stmts[1].sql)
	assert.Equal(t, hash.Hex(), stmts[1].args[0])
	assert.Equal(t, "60000000000", stmts[1].args[2])
	assert.Equal(t, insertPriceHistorySQL, stmts[2].sql)
	assert.Equal(t, "BTC", stmts[2].args[0])
}

func TestEventStatementsAnchorWindow(t *testing.T) {
	ev := events.AnchorWindowUpdated{
		SymbolHash:     common.HexToHash("0x02"),
		OldTimestamp:   100,
		NewTimestamp:   4294967295,
		OldAccumulator: uint256.NewInt(7),
		NewAccumulator: new(uint256.Int).Lsh(uint256.NewInt(1), 200),
	}

	stmts, err := eventStatements(ev, time.Now())
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, int64(100), stmts[1].args[1])
	assert.Equal(t, int64(4294967295), stmts[1].args[2])
	assert.Equal(t, "7", stmts[1].args[3])

	w, err := parseWindow(stmts[1].args[1].(int64), stmts[1].args[2].(int64), stmts[1].args[3].(string), stmts[1].args[4].(string))
	require.NoError(t, err)
	assert.Equal(t, uint32(4294967295), w.New.Timestamp)
	assert.Equal(t, 0, w.New.Acc.Cmp(ev.NewAccumulator))
}

func TestEventStatementsLogOnly(t *testing.T) {
	for _, ev := range []events.Event{
		events.NotWritten{Key: "ETH", PriorTimestamp: 2, MessageTimestamp: 1, Now: 3},
		events.PriceGuarded{Symbol: "ETH", ReporterPrice: big.NewInt(1), AnchorPrice: big.NewInt(2)},
	} {
		stmts, err := eventStatements(ev, time.Now())
		require.NoError(t, err)
		assert.Len(t, stmts, 1, ev.Kind())
	}

	stmts, err := eventStatements(events.ReporterInvalidated{Reporter: common.HexToAddress("0x03")}, time.Now())
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, upsertReporterStatusSQL, stmts[1].sql)
}

func TestEventStatementsFailover(t *testing.T) {
	hash := common.HexToHash("0x02")
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	stmts, err := eventStatements(events.FailoverActivated{Symbol: "ETH", SymbolHash: hash}, at)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, string(events.KindFailoverActivated), stmts[0].args[0])
	assert.Equal(t, upsertFailoverSQL, stmts[1].sql)
	assert.Equal(t, []any{hash.Hex(), "ETH", true, at}, stmts[1].args)

	stmts, err = eventStatements(events.FailoverDeactivated{Symbol: "ETH", SymbolHash: hash}, at)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, []any{hash.Hex(), "ETH", false, at}, stmts[1].args)
}

func TestParseObservation(t *testing.T) {
	entry, err := parseObservation("0xfceadafab14d46e20144f48824d0c09b1a03f2bc", "BTC", "10", "20")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xfCEAdAFab14d46e20144F48824d0C09B1a03F2BC"), entry.Source)
	assert.Equal(t, uint64(10), entry.Record.Timestamp)
	assert.Equal(t, uint64(20), entry.Record.Value)

	_, err = parseObservation("0x00", "BTC", "x", "20")
	assert.Error(t, err)
	_, err = parseWindow(0, 0, "1", "not a number")
	assert.Error(t, err)
}

func TestValidateBundle(t *testing.T) {
	msg := [][]byte{{0x01}}
	eth := []string{"ETH"}
	assert.NoError(t, ValidateBundle(Bundle{Kind: BundleKindPrices, Messages: msg, Signatures: msg, Symbols: eth}))
	assert.NoError(t, ValidateBundle(Bundle{Kind: BundleKindPrices, Messages: msg, Signatures: msg}))
	assert.NoError(t, ValidateBundle(Bundle{Kind: BundleKindPrices, Symbols: eth}), "anchor refresh without messages")
	assert.NoError(t, ValidateBundle(Bundle{Kind: BundleKindInvalidate, Messages: msg, Signatures: msg}))
	assert.NoError(t, ValidateBundle(Bundle{Kind: BundleKindFailoverOn, Symbols: eth}))
	assert.NoError(t, ValidateBundle(Bundle{Kind: BundleKindFailoverOff, Symbols: eth}))

	assert.ErrorIs(t, ValidateBundle(Bundle{Kind: BundleKindPrices}), ErrInvalidBundle)
	assert.ErrorIs(t, ValidateBundle(Bundle{Kind: BundleKindPrices, Messages: msg, Symbols: eth}), ErrInvalidBundle)
	assert.ErrorIs(t, ValidateBundle(Bundle{Kind: BundleKindInvalidate, Messages: msg}), ErrInvalidBundle)
	assert.ErrorIs(t, ValidateBundle(Bundle{Kind: BundleKindInvalidate, Messages: msg, Signatures: msg, Symbols: eth}), ErrInvalidBundle)
	assert.ErrorIs(t, ValidateBundle(Bundle{Kind: BundleKindFailoverOn}), ErrInvalidBundle)
	assert.ErrorIs(t, ValidateBundle(Bundle{Kind: BundleKindFailoverOff, Symbols: []string{"ETH", "BTC"}}), ErrInvalidBundle)
	assert.ErrorIs(t, ValidateBundle(Bundle{Kind: BundleKindFailoverOn, Messages: msg, Signatures: msg, Symbols: eth}), ErrInvalidBundle)
	assert.ErrorIs(t, ValidateBundle(Bundle{Kind: "other", Messages: msg}), ErrInvalidBundle)
}

func TestScalePrice(t *testing.T) {
	p, err := ScalePrice("60000123456")
	require.NoError(t, err)
	assert.Equal(t, "60000.123456", p.String())

	_, err = ScalePrice("abc")
	assert.Error(t, err)
}
