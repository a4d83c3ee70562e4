package fx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cicilan/backend/internal/domain"
)

type fakeRates struct {
	mu    sync.Mutex
	rate  *domain.ExchangeRate
	err   error
	calls int
}

func (f *fakeRates) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRates) GetCurrentExchangeRate(_ context.Context, from string, to string) (*domain.ExchangeRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.rate == nil || f.rate.From != from || f.rate.To != to {
		return nil, errors.New("not found")
	}
	rate := *f.rate
	return &rate, nil
}

type mapCache struct {
	entries map[string]domain.ExchangeRate
	getErr  error
}

func (m *mapCache) Get(_ context.Context, from string, to string) (*domain.ExchangeRate, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	rate, ok := m.entries[from+to]
	if !ok {
		return nil, false, nil
	}
	return &rate, true, nil
}

func (m *mapCache) Set(_ context.Context, rate *domain.ExchangeRate, _ time.Duration) error {
	m.entries[rate.From+rate.To] = *rate
	return nil
}

func (m *mapCache) Invalidate(_ context.Context, from string, to string) error {
	delete(m.entries, from+to)
	return nil
}

func usd(id string, rate string) *domain.ExchangeRate {
	return &domain.ExchangeRate{ID: id, From: "UZS", To: "USD", Rate: decimal.RequireFromString(rate), Active: true}
}

func TestProviderCachesWithinTTL(t *testing.T) {
	src := &fakeRates{rate: usd("fx-1", "0.000079")}
	rateCache := &mapCache{entries: map[string]domain.ExchangeRate{}}
	p := NewProvider(src, rateCache, time.Minute, "uzs", "usd")

	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	first, err := p.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if first.ID != "fx-1" {
		t.Fatalf("expected fx-1, got %s", first.ID)
	}
	if _, ok := rateCache.entries["UZSUSD"]; !ok {
		t.Fatalf("expected rate written to cache")
	}

	src.rate = usd("fx-2", "0.000080")
	second, err := p.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if second.ID != "fx-1" || src.callCount() != 1 {
		t.Fatalf("expected cached fx-1 after one source call, got %s after %d calls", second.ID, src.callCount())
	}

	refreshed, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.ID != "fx-2" || rateCache.entries["UZSUSD"].ID != "fx-2" {
		t.Fatalf("expected refresh to load and cache fx-2, got %s / %s", refreshed.ID, rateCache.entries["UZSUSD"].ID)
	}
}

func TestProviderFallsBackToSourceWhenCacheFails(t *testing.T) {
	src := &fakeRates{rate: usd("fx-1", "0.000079")}
	p := NewProvider(src, &mapCache{entries: map[string]domain.ExchangeRate{}, getErr: errors.New("redis down")}, time.Minute, "UZS", "USD")

	rate, err := p.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rate.ID != "fx-1" {
		t.Fatalf("expected fx-1 from source, got %s", rate.ID)
	}
}

func TestProviderConvert(t *testing.T) {
	p := NewProvider(&fakeRates{rate: usd("fx-1", "0.000079")}, nil, 0, "UZS", "USD")

	conv, err := p.Convert(context.Background(), decimal.NewFromInt(2150000))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !conv.Converted.Equal(decimal.RequireFromString("169.85")) {
		t.Fatalf("expected 169.85, got %s", conv.Converted)
	}
	if conv.To != "USD" || conv.RateID != "fx-1" {
		t.Fatalf("unexpected conversion: %+v", conv)
	}
}

func TestProviderMissingRate(t *testing.T) {
	boom := errors.New("no active rate")
	p := NewProvider(&fakeRates{err: boom}, nil, time.Minute, "UZS", "USD")

	if _, err := p.Convert(context.Background(), decimal.NewFromInt(1000)); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestProviderRunStopsOnCancel(t *testing.T) {
	src := &fakeRates{rate: usd("fx-1", "0.000079")}
	p := NewProvider(src, nil, time.Minute, "UZS", "USD")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for src.callCount() < 2 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected periodic refreshes, got %d calls", src.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
