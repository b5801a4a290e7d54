package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const keyPrefixPrice = "oracle:price:"

// CachedPrice is the latest published price of one symbol.
type CachedPrice struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceCache keeps the latest published price per symbol in Redis.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPriceCache connects to Redis and verifies the connection. A zero ttl
// keeps entries until overwritten.
func NewPriceCache(addr, password string, db int, ttl time.Duration) (*PriceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &PriceCache{client: client, ttl: ttl}, nil
}

// Close releases the connection.
func (c *PriceCache) Close() error {
	return c.client.Close()
}

// SetPrice overwrites the cached price of symbol.
func (c *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	data, err := json.Marshal(CachedPrice{Symbol: symbol, Price: price, Timestamp: at})
	if err != nil {
		return fmt.Errorf("encode cached price: %w", err)
	}
	return c.client.Set(ctx, keyPrefixPrice+symbol, data, c.ttl).Err()
}

// GetPrice returns the cached price of symbol, or nil when absent.
func (c *PriceCache) GetPrice(ctx context.Context, symbol string) (*CachedPrice, error) {
	data, err := c.client.Get(ctx, keyPrefixPrice+symbol).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached price: %w", err)
	}

	var price CachedPrice
	if err := json.Unmarshal(data, &price); err != nil {
		return nil, fmt.Errorf("decode cached price: %w", err)
	}
	return &price, nil
}
