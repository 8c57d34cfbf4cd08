package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rotator_go/internal/domain"

	"github.com/shopspring/decimal"
)

// PriceCache holds the most recent price sample for every tracked pair. The
// poller owns the writes; readers only ever see full snapshots, never a mix
// of old and new samples.
type PriceCache struct {
	mu      sync.RWMutex
	samples map[string]domain.PriceSample
	symbols []string
	source  domain.PriceSource
	logger  *slog.Logger
}

// NewPriceCache creates a cache tracking the given pair symbols.
func NewPriceCache(source domain.PriceSource, symbols []string) *PriceCache {
	return &PriceCache{
		samples: make(map[string]domain.PriceSample, len(symbols)),
		symbols: append([]string(nil), symbols...),
		source:  source,
		logger:  slog.Default().With("module", "price_cache"),
	}
}

// Refresh fetches current prices for all tracked pairs and atomically
// replaces the snapshot. A failed fetch never discards known-good samples:
// affected pairs keep their last price and timestamp and are flagged stale.
func (c *PriceCache) Refresh(ctx context.Context) error {
	prices, err := c.source.TickerPrices(ctx, c.symbols)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		for sym, sample := range c.samples {
			sample.Stale = true
			c.samples[sym] = sample
		}
		return fmt.Errorf("price refresh failed: %w", err)
	}

	var missing []string
	for _, sym := range c.symbols {
		price, ok := prices[sym]
		if !ok || price.IsZero() {
			// Keep the last known-good sample, flagged stale.
			if sample, exists := c.samples[sym]; exists {
				sample.Stale = true
				c.samples[sym] = sample
			}
			missing = append(missing, sym)
			continue
		}
		c.samples[sym] = domain.PriceSample{Symbol: sym, Price: price, Time: now}
	}
	if len(missing) > 0 {
		c.logger.Warn("refresh missed pairs, keeping stale samples", "pairs", missing)
	}
	return nil
}

// Update pushes a single fresher sample, typically from the live stream.
// Samples older than what the cache already holds are dropped; unknown pairs
// are ignored.
func (c *PriceCache) Update(symbol string, price decimal.Decimal, ts time.Time) {
	if price.IsZero() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tracked := false
	for _, sym := range c.symbols {
		if sym == symbol {
			tracked = true
			break
		}
	}
	if !tracked {
		return
	}
	if current, ok := c.samples[symbol]; ok && current.Time.After(ts) {
		return
	}
	c.samples[symbol] = domain.PriceSample{Symbol: symbol, Price: price, Time: ts}
}

// Snapshot returns an immutable point-in-time view of all samples.
func (c *PriceCache) Snapshot() *domain.PriceBook {
	c.mu.RLock()
	defer c.mu.RUnlock()

	copied := make(map[string]domain.PriceSample, len(c.samples))
	for sym, sample := range c.samples {
		copied[sym] = sample
	}
	return &domain.PriceBook{Samples: copied, Taken: time.Now()}
}

// Symbols returns the tracked pair symbols.
func (c *PriceCache) Symbols() []string {
	return append([]string(nil), c.symbols...)
}
