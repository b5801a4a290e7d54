package registry

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(n)))
}

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func sampleConfigs() []TokenConfig {
	return []TokenConfig{
		{Symbol: "ETH", Token: addr(1), Underlying: addr(11), BaseUnit: exp10(18), PriceSource: Reporter,
			AnchorMarket: addr(101), Reporter: addr(201), ReporterMultiplier: exp10(16), AnchorReversed: true},
		{Symbol: "BTC", Token: addr(2), Underlying: addr(12), BaseUnit: exp10(8), PriceSource: Reporter,
			AnchorMarket: addr(102), Reporter: addr(202), ReporterMultiplier: exp10(6)},
		{Symbol: "USDT", Token: addr(3), Underlying: addr(13), BaseUnit: exp10(6), PriceSource: FixedUSD,
			FixedPrice: exp10(6)},
		{Symbol: "SAI", Token: addr(4), Underlying: addr(14), BaseUnit: exp10(18), PriceSource: FixedETH,
			FixedPrice: big.NewInt(5e15)},
	}
}

func TestLookupsAgree(t *testing.T) {
	reg, err := New(sampleConfigs())
	require.NoError(t, err)
	require.Equal(t, 4, reg.Len())

	for i := 0; i < reg.Len(); i++ {
		byIndex, err := reg.ByIndex(i)
		require.NoError(t, err)

		bySymbol, err := reg.BySymbol(byIndex.Symbol)
		require.NoError(t, err)
		byHash, err := reg.BySymbolHash(byIndex.SymbolHash)
		require.NoError(t, err)
		byToken, err := reg.ByToken(byIndex.Token)
		require.NoError(t, err)
		byUnderlying, err := reg.ByUnderlying(byIndex.Underlying)
		require.NoError(t, err)

		assert.Equal(t, byIndex, bySymbol)
		assert.Equal(t, byIndex, byHash)
		assert.Equal(t, byIndex, byToken)
		assert.Equal(t, byIndex, byUnderlying)

		if byIndex.Reporter != (common.Address{}) {
			byReporter, err := reg.ByReporter(byIndex.Reporter)
			require.NoError(t, err)
			assert.Equal(t, byIndex, byReporter)
		}
	}
}

func TestLookupsAgreeForThirtyAssets(t *testing.T) {
	configs := make([]TokenConfig, 30)
	for i := range configs {
		configs[i] = TokenConfig{
			Symbol:             fmt.Sprintf("%c", 'a'+i),
			Token:              addr(i + 1),
			Underlying:         addr(i + 100),
			BaseUnit:           exp10(6),
			PriceSource:        Reporter,
			AnchorMarket:       addr(i + 300),
			ReporterMultiplier: big.NewInt(1),
			Reporter:           addr(i + 500),
		}
	}
	reg, err := New(configs)
	require.NoError(t, err)

	for i, want := range configs {
		got, err := reg.ByIndex(i)
		require.NoError(t, err)
		assert.Equal(t, HashSymbol(want.Symbol), got.SymbolHash)
		assert.Equal(t, want.Token, got.Token)
		assert.Equal(t, want.Underlying, got.Underlying)

		bySymbol, _ := reg.BySymbol(want.Symbol)
		byToken, _ := reg.ByToken(want.Token)
		byUnderlying, _ := reg.ByUnderlying(want.Underlying)
		byReporter, _ := reg.ByReporter(want.Reporter)
		assert.Equal(t, got, bySymbol)
		assert.Equal(t, got, byToken)
		assert.Equal(t, got, byUnderlying)
		assert.Equal(t, got, byReporter)
	}
}

func TestLookupMisses(t *testing.T) {
	reg, err := New(sampleConfigs())
	require.NoError(t, err)

	_, err = reg.ByIndex(4)
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = reg.ByIndex(-1)
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = reg.BySymbol("COMP")
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = reg.ByToken(addr(99))
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = reg.ByUnderlying(addr(99))
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = reg.ByReporter(common.Address{})
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestNewRejectsInvalidConfigs(t *testing.T) {
	cases := map[string]func(c *TokenConfig){
		"zero token":               func(c *TokenConfig) { c.Token = common.Address{} },
		"zero base unit":           func(c *TokenConfig) { c.BaseUnit = big.NewInt(0) },
		"nil base unit":            func(c *TokenConfig) { c.BaseUnit = nil },
		"reporter without anchor":  func(c *TokenConfig) { c.AnchorMarket = common.Address{} },
		"reporter zero multiplier": func(c *TokenConfig) { c.ReporterMultiplier = nil },
		"fixed with anchor": func(c *TokenConfig) {
			c.PriceSource = FixedUSD
		},
		"fixed with reporter": func(c *TokenConfig) {
			c.PriceSource = FixedUSD
			c.AnchorMarket = common.Address{}
		},
		"mismatched hash": func(c *TokenConfig) { c.SymbolHash = HashSymbol("BTC") },
		"no symbol":       func(c *TokenConfig) { c.Symbol = "" },
		"eth in eth": func(c *TokenConfig) {
			c.PriceSource = FixedETH
			c.AnchorMarket = common.Address{}
			c.Reporter = common.Address{}
		},
		"unknown source": func(c *TokenConfig) { c.PriceSource = PriceSource(9) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			configs := sampleConfigs()
			mutate(&configs[0])
			_, err := New(configs)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	configs := sampleConfigs()
	configs[1].Symbol = "ETH"
	_, err := New(configs)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	configs = sampleConfigs()
	configs[2].Token = configs[0].Token
	_, err = New(configs)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParsePriceSource(t *testing.T) {
	for _, src := range []PriceSource{FixedETH, FixedUSD, Reporter} {
		got, err := ParsePriceSource(src.String())
		require.NoError(t, err)
		assert.Equal(t, src, got)
	}
	got, err := ParsePriceSource(" reporter ")
	require.NoError(t, err)
	assert.Equal(t, Reporter, got)

	_, err = ParsePriceSource("chainlink")
	assert.Error(t, err)
}
