package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PairSymbol returns the exchange symbol for a coin priced in the bridge,
// e.g. PairSymbol("BTC", "USDT") -> "BTCUSDT".
func PairSymbol(coin, bridge string) string {
	return coin + bridge
}

// PriceSample is one observed price for a coin/bridge pair. Samples are never
// mutated in place; a refresh replaces them wholesale.
type PriceSample struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`

	// Stale marks a pair whose last refresh failed. Price and Time keep the
	// last known-good values so operators can still see what the engine saw.
	Stale bool `json:"stale"`
}

// Usable reports whether the sample may feed a decision: not flagged stale
// and not older than maxAge at the given instant.
func (s PriceSample) Usable(now time.Time, maxAge time.Duration) bool {
	if s.Stale || s.Price.IsZero() {
		return false
	}
	return now.Sub(s.Time) <= maxAge
}

// PriceBook is an immutable point-in-time view of the price cache. Readers
// never observe a mix of old and new samples.
type PriceBook struct {
	Samples map[string]PriceSample
	Taken   time.Time
}

// Lookup returns the sample for a pair symbol, if one exists.
func (b *PriceBook) Lookup(symbol string) (PriceSample, bool) {
	s, ok := b.Samples[symbol]
	return s, ok
}

// Fresh returns the sample for a pair symbol only if it is usable for
// decisions, judged against the instant the book was taken.
func (b *PriceBook) Fresh(symbol string, maxAge time.Duration) (PriceSample, bool) {
	s, ok := b.Samples[symbol]
	if !ok || !s.Usable(b.Taken, maxAge) {
		return PriceSample{}, false
	}
	return s, true
}
