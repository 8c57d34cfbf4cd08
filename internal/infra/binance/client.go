package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"rotator_go/internal/domain"
	"rotator_go/internal/infra"

	sdk "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// Venue error codes that mean the request was understood and refused, not
// lost. Refusals are never retried.
const (
	codeOrderNotFound       = -2013
	codeInsufficientBalance = -2010
	codeInvalidQuantity     = -1013
)

// Client is the Binance spot implementation of the exchange boundary. It is
// the only component that performs side effects against the venue; signing
// is the SDK's concern.
type Client struct {
	api     *sdk.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a new Binance API client from the configuration.
func NewClient(cfg *infra.Config) *Client {
	api := sdk.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	if cfg.Exchange.RestURL != "" {
		api.BaseURL = cfg.Exchange.RestURL
	}
	api.HTTPClient = &http.Client{
		Timeout: cfg.CallTimeout(),
		Transport: &http.Transport{
			MaxIdleConns:    10,
			IdleConnTimeout: 30 * time.Second,
		},
	}

	return &Client{
		api:     api,
		timeout: cfg.CallTimeout(),
		logger:  slog.Default().With("module", "binance_client"),
	}
}

// TickerPrices fetches current prices for the given pair symbols in one
// request.
func (c *Client) TickerPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	listed, err := c.api.NewListPricesService().Symbols(symbols).Do(ctx)
	if err != nil {
		return nil, classify("ticker_prices", err)
	}

	prices := make(map[string]decimal.Decimal, len(listed))
	for _, p := range listed {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, domain.NewExchangeRejection("ticker_prices", fmt.Errorf("unparseable price %q for %s", p.Price, p.Symbol))
		}
		prices[p.Symbol] = price
	}
	return prices, nil
}

// Sell submits a market sell of qty coin against the bridge under the given
// client order ID.
func (c *Client) Sell(ctx context.Context, coin, bridge string, qty decimal.Decimal, clientID string) (domain.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	symbol := domain.PairSymbol(coin, bridge)
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(sdk.SideTypeSell).
		Type(sdk.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return domain.OrderResult{}, classify("sell", err)
	}

	c.logger.Info("sell order submitted", "symbol", symbol, "qty", qty.String(), "client_id", clientID)
	return mapCreate(symbol, clientID, res)
}

// Buy submits a market buy of coin spending quoteQty of the bridge under the
// given client order ID.
func (c *Client) Buy(ctx context.Context, coin, bridge string, quoteQty decimal.Decimal, clientID string) (domain.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	symbol := domain.PairSymbol(coin, bridge)
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(sdk.SideTypeBuy).
		Type(sdk.OrderTypeMarket).
		QuoteOrderQty(quoteQty.String()).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return domain.OrderResult{}, classify("buy", err)
	}

	c.logger.Info("buy order submitted", "symbol", symbol, "quote_qty", quoteQty.String(), "client_id", clientID)
	return mapCreate(symbol, clientID, res)
}

// OrderStatus queries an order by its client ID. A venue answer of "order
// does not exist" is not an error; it comes back as OrderUnknown.
func (c *Client) OrderStatus(ctx context.Context, ref domain.OrderRef) (domain.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	order, err := c.api.NewGetOrderService().
		Symbol(ref.Symbol).
		OrigClientOrderID(ref.ClientID).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeOrderNotFound {
			return domain.OrderResult{Ref: ref, State: domain.OrderUnknown}, nil
		}
		return domain.OrderResult{}, classify("order_status", err)
	}

	executed, quote, err := parseFill(order.ExecutedQuantity, order.CummulativeQuoteQuantity)
	if err != nil {
		return domain.OrderResult{}, domain.NewExchangeRejection("order_status", err)
	}
	return domain.OrderResult{
		Ref:         ref,
		State:       mapStatus(order.Status),
		ExecutedQty: executed,
		QuoteQty:    quote,
	}, nil
}

// Balance returns the free balance of a coin.
func (c *Client) Balance(ctx context.Context, coin string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, classify("balance", err)
	}
	for _, b := range account.Balances {
		if b.Asset == coin {
			free, err := decimal.NewFromString(b.Free)
			if err != nil {
				return decimal.Zero, domain.NewExchangeRejection("balance", fmt.Errorf("unparseable balance %q for %s", b.Free, coin))
			}
			return free, nil
		}
	}
	return decimal.Zero, nil
}

func mapCreate(symbol, clientID string, res *sdk.CreateOrderResponse) (domain.OrderResult, error) {
	executed, quote, err := parseFill(res.ExecutedQuantity, res.CummulativeQuoteQuantity)
	if err != nil {
		return domain.OrderResult{}, domain.NewExchangeRejection("create_order", err)
	}
	return domain.OrderResult{
		Ref:         domain.OrderRef{ClientID: clientID, Symbol: symbol},
		State:       mapStatus(res.Status),
		ExecutedQty: executed,
		QuoteQty:    quote,
	}, nil
}

func parseFill(executedStr, quoteStr string) (decimal.Decimal, decimal.Decimal, error) {
	executed := decimal.Zero
	quote := decimal.Zero
	var err error
	if executedStr != "" {
		if executed, err = decimal.NewFromString(executedStr); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("unparseable executed quantity %q", executedStr)
		}
	}
	if quoteStr != "" {
		if quote, err = decimal.NewFromString(quoteStr); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("unparseable quote quantity %q", quoteStr)
		}
	}
	return executed, quote, nil
}

func mapStatus(status sdk.OrderStatusType) domain.OrderState {
	switch status {
	case sdk.OrderStatusTypeFilled:
		return domain.OrderFilled
	case sdk.OrderStatusTypeNew, sdk.OrderStatusTypePartiallyFilled:
		return domain.OrderPending
	case sdk.OrderStatusTypeCanceled, sdk.OrderStatusTypeRejected, sdk.OrderStatusTypeExpired:
		return domain.OrderFailed
	default:
		return domain.OrderPending
	}
}

// classify splits venue refusals from transport failures so the retry policy
// only retries what can succeed on a second attempt.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInsufficientBalance, codeInvalidQuantity:
			return domain.NewExchangeRejection(op, err)
		}
		if apiErr.Code == -1003 { // rate limit, backs off and retries
			return domain.NewExchangeError(op, err)
		}
		if apiErr.Code <= -1100 && apiErr.Code > -1200 { // request validation errors
			return domain.NewExchangeRejection(op, err)
		}
		return domain.NewExchangeError(op, err)
	}
	return domain.NewExchangeError(op, err)
}
