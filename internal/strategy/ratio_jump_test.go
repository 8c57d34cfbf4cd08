package strategy

import (
	"errors"
	"testing"
	"time"

	"rotator_go/internal/domain"

	"github.com/shopspring/decimal"
)

func testBook(t *testing.T, prices map[string]string) *domain.PriceBook {
	t.Helper()
	now := time.Now()
	samples := make(map[string]domain.PriceSample, len(prices))
	for symbol, raw := range prices {
		samples[symbol] = domain.PriceSample{
			Symbol: symbol,
			Price:  decimal.RequireFromString(raw),
			Time:   now,
		}
	}
	return &domain.PriceBook{Samples: samples, Taken: now}
}

func testPolicy(threshold, fee string) *RatioJumpPolicy {
	return NewRatioJumpPolicy(Params{
		Bridge:    "USDT",
		Coins:     []string{"AAA", "BBB", "CCC"},
		Threshold: decimal.RequireFromString(threshold),
		Fee:       decimal.RequireFromString(fee),
		MaxAge:    time.Minute,
	})
}

func refs(pairs map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(pairs))
	for coin, raw := range pairs {
		out[coin] = decimal.RequireFromString(raw)
	}
	return out
}

func TestEvaluateHoldsBelowThreshold(t *testing.T) {
	p := testPolicy("0.01", "0")
	book := testBook(t, map[string]string{
		"AAAUSDT": "100",
		"BBBUSDT": "10",
	})

	// Current ratio AAA/BBB = 10, reference = 10: zero jump.
	d, err := p.Evaluate(book, "AAA", refs(map[string]string{"BBB": "10"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Switch() {
		t.Errorf("expected hold, got switch to %s", d.Target)
	}
	if len(d.Candidates) != 1 {
		t.Errorf("expected 1 scored candidate, got %d", len(d.Candidates))
	}
}

func TestEvaluateSwitchesAboveThreshold(t *testing.T) {
	p := testPolicy("0.01", "0")
	book := testBook(t, map[string]string{
		"AAAUSDT": "110",
		"BBBUSDT": "10",
	})

	// Ratio climbed from 10 to 11: a 10% jump.
	d, err := p.Evaluate(book, "AAA", refs(map[string]string{"BBB": "10"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Target != "BBB" {
		t.Fatalf("expected switch to BBB, got %q", d.Target)
	}
	want := decimal.RequireFromString("0.1")
	if !d.Jump.Equal(want) {
		t.Errorf("expected jump %s, got %s", want, d.Jump)
	}
}

func TestEvaluateFeeEatsTheJump(t *testing.T) {
	// A 0.5% raw jump with a 0.5% fee per order loses money round trip.
	p := testPolicy("0", "0.005")
	book := testBook(t, map[string]string{
		"AAAUSDT": "100.5",
		"BBBUSDT": "10",
	})

	d, err := p.Evaluate(book, "AAA", refs(map[string]string{"BBB": "10"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Switch() {
		t.Errorf("fee-adjusted jump should not clear the threshold, got switch to %s", d.Target)
	}
}

func TestEvaluateTieBreaksLexicographically(t *testing.T) {
	p := testPolicy("0.01", "0")
	// Identical ratios and references for BBB and CCC.
	book := testBook(t, map[string]string{
		"AAAUSDT": "110",
		"BBBUSDT": "10",
		"CCCUSDT": "10",
	})

	d, err := p.Evaluate(book, "AAA", refs(map[string]string{"BBB": "10", "CCC": "10"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Target != "BBB" {
		t.Errorf("expected tie to break to BBB, got %q", d.Target)
	}
}

func TestEvaluateStaleHeldCoin(t *testing.T) {
	p := testPolicy("0.01", "0")
	book := testBook(t, map[string]string{
		"AAAUSDT": "110",
		"BBBUSDT": "10",
	})
	sample := book.Samples["AAAUSDT"]
	sample.Stale = true
	book.Samples["AAAUSDT"] = sample

	_, err := p.Evaluate(book, "AAA", refs(map[string]string{"BBB": "10"}))
	if !errors.Is(err, domain.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestEvaluateStaleCandidateExcluded(t *testing.T) {
	p := testPolicy("0.01", "0")
	book := testBook(t, map[string]string{
		"AAAUSDT": "110",
		"BBBUSDT": "10",
		"CCCUSDT": "11",
	})
	sample := book.Samples["BBBUSDT"]
	sample.Stale = true
	book.Samples["BBBUSDT"] = sample

	// BBB would win by a wide margin but is stale; CCC still clears the threshold.
	d, err := p.Evaluate(book, "AAA", refs(map[string]string{"BBB": "5", "CCC": "9"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Target != "CCC" {
		t.Errorf("expected stale BBB excluded and CCC chosen, got %q", d.Target)
	}
	for _, c := range d.Candidates {
		if c.Coin == "BBB" {
			t.Error("stale candidate must not be scored")
		}
	}
}

func TestEvaluateUnseededReferenceSkipped(t *testing.T) {
	p := testPolicy("0.01", "0")
	book := testBook(t, map[string]string{
		"AAAUSDT": "110",
		"BBBUSDT": "10",
	})

	d, err := p.Evaluate(book, "AAA", refs(map[string]string{}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Switch() || len(d.Candidates) != 0 {
		t.Errorf("unseeded pair must not produce a candidate, got %+v", d)
	}
}
