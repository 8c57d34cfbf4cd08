package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderState is the venue-side state of an order.
type OrderState string

const (
	OrderPending OrderState = "PENDING"
	OrderFilled  OrderState = "FILLED"
	OrderFailed  OrderState = "FAILED"

	// OrderUnknown means the venue has no record of the client order ID: the
	// submission never reached it and the same ID may safely be re-issued.
	OrderUnknown OrderState = "UNKNOWN"
)

// OrderRef identifies an order at the venue by its client-assigned ID.
type OrderRef struct {
	ClientID string
	Symbol   string
}

// OrderResult is the venue's view of an order after submission or a status
// query.
type OrderResult struct {
	Ref         OrderRef
	State       OrderState
	ExecutedQty decimal.Decimal
	// QuoteQty is the cumulative bridge-currency amount moved by the fills.
	QuoteQty decimal.Decimal
}

// Exchange is the trading venue capability the engine depends on. Submitting
// an order is not idempotent; OrderStatus is safe to call repeatedly. Every
// call must be bounded by the caller's context.
type Exchange interface {
	Sell(ctx context.Context, coin, bridge string, qty decimal.Decimal, clientID string) (OrderResult, error)
	Buy(ctx context.Context, coin, bridge string, quoteQty decimal.Decimal, clientID string) (OrderResult, error)
	OrderStatus(ctx context.Context, ref OrderRef) (OrderResult, error)
	Balance(ctx context.Context, coin string) (decimal.Decimal, error)
}

// PriceSource supplies current prices for a set of pair symbols.
type PriceSource interface {
	TickerPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}
