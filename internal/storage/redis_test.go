package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPriceCache(t *testing.T, ttl time.Duration) (*PriceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewPriceCache(mr.Addr(), "", 0, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestNewPriceCacheConnectionFailed(t *testing.T) {
	cache, err := NewPriceCache("127.0.0.1:1", "", 0, 0)
	assert.Error(t, err)
	assert.Nil(t, cache)
}

func TestPriceCacheSetGet(t *testing.T) {
	cache, mr := setupPriceCache(t, 0)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, cache.SetPrice(ctx, "ETH", decimal.RequireFromString("2500.123456"), at))
	assert.True(t, mr.Exists("oracle:price:ETH"))

	got, err := cache.GetPrice(ctx, "ETH")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ETH", got.Symbol)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("2500.123456")))
	assert.True(t, got.Timestamp.Equal(at))
}

func TestPriceCacheOverwrite(t *testing.T) {
	cache, _ := setupPriceCache(t, 0)
	ctx := context.Background()
	at := time.Now().UTC()

	require.NoError(t, cache.SetPrice(ctx, "BTC", decimal.NewFromInt(60000), at))
	require.NoError(t, cache.SetPrice(ctx, "BTC", decimal.NewFromInt(61000), at.Add(time.Minute)))

	got, err := cache.GetPrice(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(61000)))
}

func TestPriceCacheMissing(t *testing.T) {
	cache, _ := setupPriceCache(t, 0)
	got, err := cache.GetPrice(context.Background(), "NOPE")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestPriceCacheTTL(t *testing.T) {
	cache, mr := setupPriceCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.SetPrice(ctx, "ETH", decimal.NewFromInt(1), time.Now()))
	assert.Equal(t, time.Hour, mr.TTL("oracle:price:ETH"))

	mr.FastForward(2 * time.Hour)
	got, err := cache.GetPrice(ctx, "ETH")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestPriceCacheCorruptEntry(t *testing.T) {
	cache, mr := setupPriceCache(t, 0)
	require.NoError(t, mr.Set("oracle:price:ETH", "not json"))

	_, err := cache.GetPrice(context.Background(), "ETH")
	assert.Error(t, err)
}
