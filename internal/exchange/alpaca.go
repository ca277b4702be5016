package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

// Compile-time interface check.
var _ Exchange = (*Alpaca)(nil)

// Alpaca implements Exchange against the Alpaca trading API. Idempotency
// rides on the client order id: before placing, the adapter looks the token
// up and returns the existing order if the venue already has it.
type Alpaca struct {
	trading *alpaca.Client
	data    *marketdata.Client
}

// NewAlpaca creates an adapter with the given credentials. baseURL selects
// paper or live trading; empty uses the SDK default.
func NewAlpaca(apiKey, apiSecret, baseURL string) *Alpaca {
	return &Alpaca{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
	}
}

// Name returns "alpaca".
func (a *Alpaca) Name() string { return "alpaca" }

// PlaceMarketOrder submits a market order under the client token. The SDK
// manages its own request lifecycle, so the context is unused.
func (a *Alpaca) PlaceMarketOrder(_ context.Context, symbol string, side domain.OrderSide, quantity decimal.Decimal, clientToken string) (*OrderResult, error) {
	existing, err := a.trading.GetOrderByClientOrderID(clientToken)
	switch {
	case err == nil:
		return alpacaOrderToResult(existing), nil
	case isAlpacaNotFound(err):
		// Not placed yet; fall through.
	default:
		return nil, classifyAlpaca(fmt.Errorf("querying order by token: %w", err))
	}

	order, err := a.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &quantity,
		Side:          alpacaSide(side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: clientToken,
	})
	if err != nil {
		return nil, classifyAlpaca(fmt.Errorf("placing order: %w", err))
	}
	return alpacaOrderToResult(order), nil
}

// CancelOrder requests cancellation of an open order.
func (a *Alpaca) CancelOrder(_ context.Context, _, exchangeOrderID string) error {
	if err := a.trading.CancelOrder(exchangeOrderID); err != nil {
		return classifyAlpaca(fmt.Errorf("cancelling order %s: %w", exchangeOrderID, err))
	}
	return nil
}

// GetPrice returns the latest traded price for a symbol.
func (a *Alpaca) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	trade, err := a.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Decimal{}, classifyAlpaca(fmt.Errorf("fetching latest trade: %w", err))
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// GetOpenOrders returns all resting orders for a symbol.
func (a *Alpaca) GetOpenOrders(_ context.Context, symbol string) ([]OpenOrder, error) {
	orders, err := a.trading.GetOrders(alpaca.GetOrdersRequest{
		Status:  "open",
		Symbols: []string{symbol},
	})
	if err != nil {
		return nil, classifyAlpaca(fmt.Errorf("listing open orders: %w", err))
	}
	open := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		var qty decimal.Decimal
		if o.Qty != nil {
			qty = *o.Qty
		}
		side := domain.OrderSideBuy
		if o.Side == alpaca.Sell {
			side = domain.OrderSideSell
		}
		open = append(open, OpenOrder{
			ExchangeOrderID: o.ID,
			ClientToken:     o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            side,
			Quantity:        qty,
		})
	}
	return open, nil
}

// GetPosition returns the net position for a symbol, or nil when flat.
func (a *Alpaca) GetPosition(_ context.Context, symbol string) (*Position, error) {
	pos, err := a.trading.GetPosition(symbol)
	if err != nil {
		if isAlpacaNotFound(err) {
			return nil, nil
		}
		return nil, classifyAlpaca(fmt.Errorf("fetching position: %w", err))
	}
	side := domain.SideLong
	qty := pos.Qty
	if qty.Sign() < 0 {
		side = domain.SideShort
		qty = qty.Neg()
	}
	return &Position{
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: pos.AvgEntryPrice,
	}, nil
}

// Ping verifies venue connectivity via the trading clock endpoint.
func (a *Alpaca) Ping(_ context.Context) error {
	if _, err := a.trading.GetClock(); err != nil {
		return classifyAlpaca(fmt.Errorf("fetching clock: %w", err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mapping helpers
// ---------------------------------------------------------------------------

func alpacaSide(side domain.OrderSide) alpaca.Side {
	if side == domain.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaOrderToResult(o *alpaca.Order) *OrderResult {
	res := &OrderResult{
		ExchangeOrderID: o.ID,
		ClientToken:     o.ClientOrderID,
		Status:          alpacaStatus(o.Status),
		FilledQuantity:  o.FilledQty,
	}
	if o.FilledAvgPrice != nil {
		res.AvgFillPrice = *o.FilledAvgPrice
	}
	if o.FilledAt != nil {
		res.FilledAt = o.FilledAt.UTC()
	}
	return res
}

func alpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartialFill
	case "canceled", "expired", "done_for_day":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}

func isAlpacaNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// classifyAlpaca wraps retryable failures as transient: transport errors,
// rate limits, and upstream 5xx responses.
func classifyAlpaca(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return MarkTransient(err)
	}
	if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
		return MarkTransient(err)
	}
	return err
}
