package execution

import (
	"context"
	"fmt"
	"sync"

	"rotator_go/internal/domain"

	"github.com/shopspring/decimal"
)

// Quoter supplies the prices paper fills execute at.
type Quoter interface {
	Snapshot() *domain.PriceBook
}

// PaperExchange is an in-memory venue for dry runs. Market orders fill
// instantly at the cached price minus the configured fee; balances and
// order results behave like the real boundary, including the
// order-unknown answer for never-seen client IDs.
type PaperExchange struct {
	mu       sync.Mutex
	quoter   Quoter
	fee      decimal.Decimal
	balances map[string]decimal.Decimal
	orders   map[string]domain.OrderResult
}

// NewPaperExchange creates an empty paper venue.
func NewPaperExchange(quoter Quoter, fee decimal.Decimal) *PaperExchange {
	return &PaperExchange{
		quoter:   quoter,
		fee:      fee,
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]domain.OrderResult),
	}
}

// Deposit credits a starting balance.
func (p *PaperExchange) Deposit(coin string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[coin] = p.balance(coin).Add(amount)
}

// Sell fills a market sell at the cached price.
func (p *PaperExchange) Sell(ctx context.Context, coin, bridge string, qty decimal.Decimal, clientID string) (domain.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.orders[clientID]; ok {
		return prior, nil
	}
	price, err := p.price(coin, bridge)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if p.balance(coin).LessThan(qty) {
		return domain.OrderResult{}, domain.NewExchangeRejection("sell",
			fmt.Errorf("insufficient %s balance: have %s, need %s", coin, p.balance(coin), qty))
	}

	proceeds := qty.Mul(price).Mul(decimal.New(1, 0).Sub(p.fee))
	p.balances[coin] = p.balance(coin).Sub(qty)
	p.balances[bridge] = p.balance(bridge).Add(proceeds)

	res := domain.OrderResult{
		Ref:         domain.OrderRef{ClientID: clientID, Symbol: domain.PairSymbol(coin, bridge)},
		State:       domain.OrderFilled,
		ExecutedQty: qty,
		QuoteQty:    proceeds,
	}
	p.orders[clientID] = res
	return res, nil
}

// Buy fills a market buy spending quoteQty of the bridge.
func (p *PaperExchange) Buy(ctx context.Context, coin, bridge string, quoteQty decimal.Decimal, clientID string) (domain.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.orders[clientID]; ok {
		return prior, nil
	}
	price, err := p.price(coin, bridge)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if p.balance(bridge).LessThan(quoteQty) {
		return domain.OrderResult{}, domain.NewExchangeRejection("buy",
			fmt.Errorf("insufficient %s balance: have %s, need %s", bridge, p.balance(bridge), quoteQty))
	}

	qty := quoteQty.Mul(decimal.New(1, 0).Sub(p.fee)).Div(price)
	p.balances[bridge] = p.balance(bridge).Sub(quoteQty)
	p.balances[coin] = p.balance(coin).Add(qty)

	res := domain.OrderResult{
		Ref:         domain.OrderRef{ClientID: clientID, Symbol: domain.PairSymbol(coin, bridge)},
		State:       domain.OrderFilled,
		ExecutedQty: qty,
		QuoteQty:    quoteQty,
	}
	p.orders[clientID] = res
	return res, nil
}

// OrderStatus answers from the recorded fills; never-seen client IDs come
// back OrderUnknown, like the real venue.
func (p *PaperExchange) OrderStatus(ctx context.Context, ref domain.OrderRef) (domain.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res, ok := p.orders[ref.ClientID]; ok {
		return res, nil
	}
	return domain.OrderResult{Ref: ref, State: domain.OrderUnknown}, nil
}

// Balance returns the paper balance of a coin.
func (p *PaperExchange) Balance(ctx context.Context, coin string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance(coin), nil
}

func (p *PaperExchange) balance(coin string) decimal.Decimal {
	if b, ok := p.balances[coin]; ok {
		return b
	}
	return decimal.Zero
}

func (p *PaperExchange) price(coin, bridge string) (decimal.Decimal, error) {
	symbol := domain.PairSymbol(coin, bridge)
	sample, ok := p.quoter.Snapshot().Lookup(symbol)
	if !ok || sample.Price.IsZero() {
		return decimal.Zero, domain.NewExchangeError("price", fmt.Errorf("no cached price for %s", symbol))
	}
	return sample.Price, nil
}

var _ domain.Exchange = (*PaperExchange)(nil)
