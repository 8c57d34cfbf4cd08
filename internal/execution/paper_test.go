package execution

import (
	"context"
	"testing"
	"time"

	"rotator_go/internal/domain"

	"github.com/shopspring/decimal"
)

// fixedQuoter serves a static price book.
type fixedQuoter struct {
	prices map[string]string
}

func (q *fixedQuoter) Snapshot() *domain.PriceBook {
	now := time.Now()
	samples := make(map[string]domain.PriceSample, len(q.prices))
	for symbol, raw := range q.prices {
		samples[symbol] = domain.PriceSample{
			Symbol: symbol,
			Price:  decimal.RequireFromString(raw),
			Time:   now,
		}
	}
	return &domain.PriceBook{Samples: samples, Taken: now}
}

func TestPaperSellAndBuyRoundTrip(t *testing.T) {
	ctx := context.Background()
	quoter := &fixedQuoter{prices: map[string]string{
		"BTCUSDT": "50000",
		"ETHUSDT": "2500",
	}}
	p := NewPaperExchange(quoter, decimal.RequireFromString("0.001"))
	p.Deposit("BTC", decimal.New(1, 0))

	sell, err := p.Sell(ctx, "BTC", "USDT", decimal.New(1, 0), "sell-1")
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	if sell.State != domain.OrderFilled {
		t.Fatalf("expected filled sell, got %s", sell.State)
	}
	wantProceeds := decimal.RequireFromString("49950") // 50000 * (1 - 0.001)
	if !sell.QuoteQty.Equal(wantProceeds) {
		t.Errorf("expected proceeds %s, got %s", wantProceeds, sell.QuoteQty)
	}

	buy, err := p.Buy(ctx, "ETH", "USDT", sell.QuoteQty, "buy-1")
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if buy.State != domain.OrderFilled {
		t.Fatalf("expected filled buy, got %s", buy.State)
	}

	btc, _ := p.Balance(ctx, "BTC")
	if !btc.IsZero() {
		t.Errorf("expected BTC exhausted, got %s", btc)
	}
	usdt, _ := p.Balance(ctx, "USDT")
	if !usdt.IsZero() {
		t.Errorf("expected USDT spent, got %s", usdt)
	}
	eth, _ := p.Balance(ctx, "ETH")
	if !eth.Equal(buy.ExecutedQty) {
		t.Errorf("expected ETH balance %s, got %s", buy.ExecutedQty, eth)
	}
}

func TestPaperRepeatedClientIDReturnsPriorFill(t *testing.T) {
	ctx := context.Background()
	quoter := &fixedQuoter{prices: map[string]string{"BTCUSDT": "50000"}}
	p := NewPaperExchange(quoter, decimal.Zero)
	p.Deposit("BTC", decimal.New(1, 0))

	first, err := p.Sell(ctx, "BTC", "USDT", decimal.New(1, 0), "dup")
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	second, err := p.Sell(ctx, "BTC", "USDT", decimal.New(1, 0), "dup")
	if err != nil {
		t.Fatalf("repeated Sell failed: %v", err)
	}
	if !second.QuoteQty.Equal(first.QuoteQty) {
		t.Error("repeated client ID must return the recorded fill")
	}

	btc, _ := p.Balance(ctx, "BTC")
	if !btc.IsZero() {
		t.Errorf("balance must be debited exactly once, got %s", btc)
	}
}

func TestPaperInsufficientBalanceRejected(t *testing.T) {
	ctx := context.Background()
	quoter := &fixedQuoter{prices: map[string]string{"BTCUSDT": "50000"}}
	p := NewPaperExchange(quoter, decimal.Zero)

	_, err := p.Sell(ctx, "BTC", "USDT", decimal.New(1, 0), "broke")
	if err == nil {
		t.Fatal("expected rejection for insufficient balance")
	}
	if domain.IsRetriable(err) {
		t.Error("a balance rejection must not be retriable")
	}
	if _, ok := p.orders["broke"]; ok {
		t.Error("rejected order must not be recorded")
	}
}

func TestPaperOrderStatusUnknownForNewID(t *testing.T) {
	p := NewPaperExchange(&fixedQuoter{}, decimal.Zero)

	res, err := p.OrderStatus(context.Background(), domain.OrderRef{ClientID: "never-seen", Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("OrderStatus failed: %v", err)
	}
	if res.State != domain.OrderUnknown {
		t.Errorf("expected OrderUnknown for a never-seen client ID, got %s", res.State)
	}
}
