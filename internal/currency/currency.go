// Package currency converts local marketplace prices (e.g. UZS) into the
// settlement currency the payment gateway charges (e.g. USD).
//
// Rates come from a RateProvider and are cached with a soft TTL; a
// Refresher keeps the cache warm in the background. A cache older than
// the hard TTL fails conversions rather than charging a stale price.
package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/doerly/settlement/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrRateUnavailable = errors.New("exchange rate unavailable")
	ErrUnknownPair     = errors.New("no rate for currency pair")
)

// RateProvider returns the exchange rate from one currency to another as
// a decimal string ("0.000079" for UZS→USD).
type RateProvider interface {
	GetRate(ctx context.Context, from, to string) (string, error)
}

// cachedRate is a rate plus the time it was fetched.
type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Converter converts amounts between currencies using cached rates.
type Converter struct {
	provider RateProvider
	softTTL  time.Duration // refresh after this age, still usable
	hardTTL  time.Duration // fail conversions after this age
	mu       sync.RWMutex
	cache    map[string]cachedRate // "UZS:USD"
}

// NewConverter creates a converter. softTTL controls when a cached rate
// is considered due for refresh; hardTTL is the age past which the cache
// is rejected outright.
func NewConverter(provider RateProvider, softTTL, hardTTL time.Duration) *Converter {
	if softTTL <= 0 {
		softTTL = 5 * time.Minute
	}
	if hardTTL <= softTTL {
		hardTTL = 12 * softTTL
	}
	return &Converter{
		provider: provider,
		softTTL:  softTTL,
		hardTTL:  hardTTL,
		cache:    make(map[string]cachedRate),
	}
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

// Convert converts amount from one currency to another, rounded at the
// standard money scale. Same-currency conversions are identity.
func (c *Converter) Convert(ctx context.Context, amount, from, to string) (string, error) {
	if strings.EqualFold(from, to) {
		d, err := money.Parse(amount)
		if err != nil {
			return "", err
		}
		return money.Format(d), nil
	}

	rate, err := c.rate(ctx, from, to)
	if err != nil {
		return "", err
	}

	d, err := money.Parse(amount)
	if err != nil {
		return "", err
	}
	return money.Format(d.Mul(rate).Round(money.Scale)), nil
}

// Rate returns the current cached (or freshly fetched) rate for a pair.
func (c *Converter) Rate(ctx context.Context, from, to string) (string, error) {
	r, err := c.rate(ctx, from, to)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

func (c *Converter) rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := pairKey(from, to)

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()

	if ok && time.Since(cached.fetchedAt) < c.softTTL {
		return cached.rate, nil
	}

	fresh, err := c.fetch(ctx, from, to)
	if err == nil {
		return fresh, nil
	}

	// Provider down: fall back to the cache if it is not too stale.
	if ok && time.Since(cached.fetchedAt) < c.hardTTL {
		return cached.rate, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrRateUnavailable, key, err)
}

// Refresh fetches a fresh rate for the pair, updating the cache.
func (c *Converter) Refresh(ctx context.Context, from, to string) error {
	_, err := c.fetch(ctx, from, to)
	return err
}

func (c *Converter) fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	raw, err := c.provider.GetRate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("provider returned bad rate %q for %s", raw, pairKey(from, to))
	}

	c.mu.Lock()
	c.cache[pairKey(from, to)] = cachedRate{rate: rate, fetchedAt: time.Now()}
	c.mu.Unlock()
	return rate, nil
}

// CachedPairs returns the pairs currently held in the cache.
func (c *Converter) CachedPairs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pairs := make([]string, 0, len(c.cache))
	for k := range c.cache {
		pairs = append(pairs, k)
	}
	return pairs
}

// StaticRateProvider returns fixed rates. Used in tests and demo mode.
type StaticRateProvider struct {
	rates map[string]string
	mu    sync.RWMutex
}

// NewStaticRateProvider creates a static rate provider.
func NewStaticRateProvider() *StaticRateProvider {
	return &StaticRateProvider{rates: make(map[string]string)}
}

// SetRate sets the rate for a currency pair.
func (p *StaticRateProvider) SetRate(from, to, rate string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[pairKey(from, to)] = rate
}

// GetRate returns the rate for a currency pair.
func (p *StaticRateProvider) GetRate(_ context.Context, from, to string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if rate, ok := p.rates[pairKey(from, to)]; ok {
		return rate, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPair, pairKey(from, to))
}
