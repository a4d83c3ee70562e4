package cache

import (
	"context"
	"strings"
	"time"

	"cicilan/backend/internal/domain"
)

// RateCache holds the active exchange rate per currency pair.
type RateCache interface {
	Get(ctx context.Context, from string, to string) (*domain.ExchangeRate, bool, error)
	Set(ctx context.Context, rate *domain.ExchangeRate, ttl time.Duration) error
	Invalidate(ctx context.Context, from string, to string) error
}

type NoopRateCache struct{}

func (NoopRateCache) Get(_ context.Context, _ string, _ string) (*domain.ExchangeRate, bool, error) {
	return nil, false, nil
}

func (NoopRateCache) Set(_ context.Context, _ *domain.ExchangeRate, _ time.Duration) error {
	return nil
}

func (NoopRateCache) Invalidate(_ context.Context, _ string, _ string) error {
	return nil
}

func rateKey(from string, to string) string {
	return "fx:rate:" + strings.ToUpper(from) + ":" + strings.ToUpper(to)
}
