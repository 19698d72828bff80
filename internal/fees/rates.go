package fees

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

// DefaultRatesKey is the Redis hash holding mid-market rates, one field per
// "FROM:TO" pair.
const DefaultRatesKey = "fx:mid_rates"

// RateSource resolves the mid-market rate for a currency pair.
type RateSource interface {
	MidMarketRate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Quote resolves a pair through src and returns it ready for ComputeFee.
func Quote(ctx context.Context, src RateSource, from, to string) (*CurrencyPair, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no rate source configured", domain.ErrUnsupportedCurrencyPair)
	}
	rate, err := src.MidMarketRate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return &CurrencyPair{From: from, To: to, MidRate: rate}, nil
}

func pairField(from, to string) string {
	return from + ":" + to
}

// StaticRates is a fixed rate table, typically loaded from configuration.
type StaticRates map[string]decimal.Decimal

// ParseStaticRates reads "USD:EUR=0.92,USD:GBP=0.79".
func ParseStaticRates(table string) (StaticRates, error) {
	rates := StaticRates{}
	for _, item := range strings.Split(table, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		pair, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("rate %q: expected FROM:TO=RATE", item)
		}
		from, to, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("rate %q: expected FROM:TO=RATE", item)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", item, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate %q: must be positive", item)
		}
		rates[pairField(strings.ToUpper(from), strings.ToUpper(to))] = rate
	}
	return rates, nil
}

func (r StaticRates) MidMarketRate(_ context.Context, from, to string) (decimal.Decimal, error) {
	rate, ok := r[pairField(from, to)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s to %s", domain.ErrUnsupportedCurrencyPair, from, to)
	}
	return rate, nil
}

// RedisRates reads rates published into a Redis hash by a pricing feed.
type RedisRates struct {
	client redis.UniversalClient
	key    string
}

// NewRedisRates creates a Redis-backed rate source. An empty key uses DefaultRatesKey.
func NewRedisRates(client redis.UniversalClient, key string) *RedisRates {
	if key == "" {
		key = DefaultRatesKey
	}
	return &RedisRates{client: client, key: key}
}

func (r *RedisRates) MidMarketRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	raw, err := r.client.HGet(ctx, r.key, pairField(from, to)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s to %s", domain.ErrUnsupportedCurrencyPair, from, to)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate lookup failed: %w", err)
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bad rate %q for %s to %s", domain.ErrUnsupportedCurrencyPair, raw, from, to)
	}
	return rate, nil
}

// Publish stores rates in the hash, overwriting existing pairs.
func (r *RedisRates) Publish(ctx context.Context, rates StaticRates) error {
	if len(rates) == 0 {
		return nil
	}
	values := make(map[string]any, len(rates))
	for pair, rate := range rates {
		values[pair] = rate.String()
	}
	if err := r.client.HSet(ctx, r.key, values).Err(); err != nil {
		return fmt.Errorf("publish rates: %w", err)
	}
	return nil
}
