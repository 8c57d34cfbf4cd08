package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStopLossTriggersOnDropFromHigh(t *testing.T) {
	sl := NewStopLoss(decimal.RequireFromString("0.1"), time.Hour)
	now := time.Now()

	if sl.Observe("BTC", decimal.New(100, 0), now) {
		t.Error("first sample is its own high, must not trigger")
	}
	if sl.Observe("BTC", decimal.New(95, 0), now.Add(time.Minute)) {
		t.Error("5% drop below a 10% stop must not trigger")
	}
	if !sl.Observe("BTC", decimal.New(90, 0), now.Add(2*time.Minute)) {
		t.Error("10% drop from the recent high must trigger")
	}
}

func TestStopLossWindowExpiresOldHighs(t *testing.T) {
	sl := NewStopLoss(decimal.RequireFromString("0.1"), time.Hour)
	now := time.Now()

	sl.Observe("BTC", decimal.New(100, 0), now)
	// Two hours later the old high has aged out; 85 against a fresh window
	// of one sample is not a drop at all.
	if sl.Observe("BTC", decimal.New(85, 0), now.Add(2*time.Hour)) {
		t.Error("highs outside the window must not trigger the stop")
	}
}

func TestStopLossResetsOnCoinChange(t *testing.T) {
	sl := NewStopLoss(decimal.RequireFromString("0.1"), time.Hour)
	now := time.Now()

	sl.Observe("BTC", decimal.New(100, 0), now)
	// A different coin starts a fresh high-water history.
	if sl.Observe("ETH", decimal.New(50, 0), now.Add(time.Minute)) {
		t.Error("a new coin's first sample must not trigger")
	}
	if sl.Observe("ETH", decimal.New(48, 0), now.Add(2*time.Minute)) {
		t.Error("4% drop must not trigger a 10% stop")
	}
}

func TestStopLossDisabled(t *testing.T) {
	sl := NewStopLoss(decimal.Zero, time.Hour)
	now := time.Now()

	if sl.Enabled() {
		t.Fatal("zero ratio must disable the monitor")
	}
	sl.Observe("BTC", decimal.New(100, 0), now)
	if sl.Observe("BTC", decimal.New(1, 0), now.Add(time.Minute)) {
		t.Error("disabled monitor must never trigger")
	}
}

func TestStopLossResetClearsHistory(t *testing.T) {
	sl := NewStopLoss(decimal.RequireFromString("0.1"), time.Hour)
	now := time.Now()

	sl.Observe("BTC", decimal.New(100, 0), now)
	sl.Reset()
	if sl.Observe("BTC", decimal.New(50, 0), now.Add(time.Minute)) {
		t.Error("post-reset first sample must not trigger")
	}
}
