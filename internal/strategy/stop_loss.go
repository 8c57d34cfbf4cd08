package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

type highPoint struct {
	price decimal.Decimal
	seen  time.Time
}

// StopLoss tracks the held coin's recent high and signals an exit to the
// bridge when the price drops a configured fraction below it. A zero ratio
// disables the check entirely.
//
// The high-water window is rebuilt from live observations after a restart;
// the first cycles after startup can therefore not trigger, which errs on
// the side of holding.
type StopLoss struct {
	ratio  decimal.Decimal
	window time.Duration

	coin   string
	points []highPoint
}

// NewStopLoss creates a trailing stop-loss monitor.
func NewStopLoss(ratio decimal.Decimal, window time.Duration) *StopLoss {
	return &StopLoss{ratio: ratio, window: window}
}

// Enabled reports whether the monitor is active.
func (s *StopLoss) Enabled() bool {
	return s.ratio.IsPositive()
}

// Observe records one price sample for the held coin and reports whether the
// drop from the recent high reaches the stop-loss ratio. Switching coins
// discards the previous coin's high-water history.
func (s *StopLoss) Observe(coin string, price decimal.Decimal, now time.Time) bool {
	if !s.Enabled() || price.IsZero() {
		return false
	}
	if coin != s.coin {
		s.coin = coin
		s.points = s.points[:0]
	}

	s.points = append(s.points, highPoint{price: price, seen: now})
	cutoff := now.Add(-s.window)
	kept := s.points[:0]
	for _, p := range s.points {
		if p.seen.After(cutoff) {
			kept = append(kept, p)
		}
	}
	s.points = kept

	high := decimal.Zero
	for _, p := range s.points {
		if p.price.GreaterThan(high) {
			high = p.price
		}
	}
	if !high.IsPositive() {
		return false
	}

	drop := high.Sub(price).Div(high)
	return drop.GreaterThanOrEqual(s.ratio)
}

// Reset clears the high-water history, e.g. after an executed exit.
func (s *StopLoss) Reset() {
	s.coin = ""
	s.points = s.points[:0]
}
