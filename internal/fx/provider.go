// Package fx serves the active exchange rate for display conversions.
package fx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cicilan/backend/internal/cache"
	"cicilan/backend/internal/domain"
	"cicilan/backend/internal/logger"
)

type RateSource interface {
	GetCurrentExchangeRate(ctx context.Context, from string, to string) (*domain.ExchangeRate, error)
}

// Provider keeps the last known base→display rate in memory for ttl and falls
// back to the cache and then the store.
type Provider struct {
	source  RateSource
	cache   cache.RateCache
	ttl     time.Duration
	base    string
	display string
	log     zerolog.Logger

	mu          sync.RWMutex
	current     *domain.ExchangeRate
	refreshedAt time.Time
	now         func() time.Time
}

func NewProvider(source RateSource, cacheStore cache.RateCache, ttl time.Duration, base string, display string) *Provider {
	if cacheStore == nil {
		cacheStore = cache.NoopRateCache{}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Provider{
		source:  source,
		cache:   cacheStore,
		ttl:     ttl,
		base:    strings.ToUpper(base),
		display: strings.ToUpper(display),
		log:     logger.WithComponent("fx"),
		now:     time.Now,
	}
}

func (p *Provider) Pair() (string, string) {
	return p.base, p.display
}

func (p *Provider) Current(ctx context.Context) (*domain.ExchangeRate, error) {
	p.mu.RLock()
	current, refreshedAt := p.current, p.refreshedAt
	p.mu.RUnlock()
	if current != nil && p.now().Sub(refreshedAt) < p.ttl {
		rate := *current
		return &rate, nil
	}

	cached, ok, err := p.cache.Get(ctx, p.base, p.display)
	if err != nil {
		p.log.Warn().Err(err).Str("pair", p.base+"/"+p.display).Msg("rate cache read failed")
	}
	if err == nil && ok {
		p.remember(cached)
		rate := *cached
		return &rate, nil
	}

	return p.load(ctx)
}

// Refresh drops every cached copy and reads the active rate from the store.
func (p *Provider) Refresh(ctx context.Context) (*domain.ExchangeRate, error) {
	if err := p.cache.Invalidate(ctx, p.base, p.display); err != nil {
		p.log.Warn().Err(err).Str("pair", p.base+"/"+p.display).Msg("rate cache invalidate failed")
	}
	return p.load(ctx)
}

func (p *Provider) load(ctx context.Context) (*domain.ExchangeRate, error) {
	rate, err := p.source.GetCurrentExchangeRate(ctx, p.base, p.display)
	if err != nil {
		p.forget()
		return nil, fmt.Errorf("current rate %s/%s: %w", p.base, p.display, err)
	}
	if err := p.cache.Set(ctx, rate, p.ttl); err != nil {
		p.log.Warn().Err(err).Str("pair", p.base+"/"+p.display).Msg("rate cache write failed")
	}
	p.remember(rate)
	out := *rate
	return &out, nil
}

func (p *Provider) remember(rate *domain.ExchangeRate) {
	stored := *rate
	p.mu.Lock()
	p.current = &stored
	p.refreshedAt = p.now()
	p.mu.Unlock()
}

func (p *Provider) forget() {
	p.mu.Lock()
	p.current = nil
	p.refreshedAt = time.Time{}
	p.mu.Unlock()
}

// Convert expresses a base-currency amount in the display currency.
func (p *Provider) Convert(ctx context.Context, amount decimal.Decimal) (domain.Conversion, error) {
	rate, err := p.Current(ctx)
	if err != nil {
		return domain.Conversion{}, err
	}
	return domain.Conversion{
		Amount:    amount,
		From:      rate.From,
		To:        rate.To,
		Rate:      rate.Rate,
		RateID:    rate.ID,
		Converted: amount.Mul(rate.Rate).Round(2),
	}, nil
}

// Run refreshes the rate every interval until ctx is done.
func (p *Provider) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil {
				p.log.Warn().Err(err).Msg("periodic rate refresh failed")
			}
		}
	}
}
