package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"tiller/internal/domain"
	"tiller/internal/util"
)

// Compile-time interface check.
var _ Exchange = (*BinanceFutures)(nil)

// BinanceFutures implements Exchange against the Binance USDⓈ-M futures API.
// Idempotency rides on newClientOrderId: before placing, the adapter queries
// for an order under the token and returns it if one exists, so a crash
// between the venue accepting the order and us recording the result is
// resolved by the retry.
type BinanceFutures struct {
	client *futures.Client
	// limiter keeps requests under the venue's request-weight budget.
	limiter *util.RateLimiter
}

// NewBinanceFutures creates an adapter with the given API credentials.
func NewBinanceFutures(apiKey, apiSecret string) *BinanceFutures {
	return &BinanceFutures{
		client:  futures.NewClient(apiKey, apiSecret),
		limiter: util.NewRateLimiter(1200),
	}
}

// Name returns "binance".
func (b *BinanceFutures) Name() string { return "binance" }

// PlaceMarketOrder submits a market order under the client token.
func (b *BinanceFutures) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity decimal.Decimal, clientToken string) (*OrderResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	// Look for an order already placed under this token.
	existing, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientToken).
		Do(ctx)
	switch {
	case err == nil:
		return orderToResult(existing, clientToken), nil
	case isOrderNotFound(err):
		// Not placed yet; fall through.
	default:
		return nil, classify(fmt.Errorf("querying order by token: %w", err))
	}

	// RESULT response type: the ACK default reports NEW with zero executed
	// quantity even when the market order filled.
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity.String()).
		NewClientOrderID(clientToken).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("creating order: %w", err))
	}

	avgPrice, _ := decimal.NewFromString(res.AvgPrice)
	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	return b.awaitTerminal(ctx, symbol, clientToken, &OrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientToken:     clientToken,
		Status:          orderStatus(res.Status),
		AvgFillPrice:    avgPrice,
		FilledQuantity:  executed,
		FilledAt:        time.UnixMilli(res.UpdateTime).UTC(),
	})
}

// awaitTerminal polls an order until the venue reports a terminal status.
// With the RESULT response type market orders usually come back FILLED
// already; the poll covers the occasional NEW response. Gives up after a few
// rounds and returns the last observed state.
func (b *BinanceFutures) awaitTerminal(ctx context.Context, symbol, clientToken string, res *OrderResult) (*OrderResult, error) {
	for attempt := 0; attempt < 5; attempt++ {
		switch res.Status {
		case domain.OrderStatusFilled, domain.OrderStatusCancelled, domain.OrderStatusRejected:
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		o, err := b.client.NewGetOrderService().
			Symbol(symbol).
			OrigClientOrderID(clientToken).
			Do(ctx)
		if err != nil {
			return nil, classify(fmt.Errorf("polling order %q: %w", clientToken, err))
		}
		res = orderToResult(o, clientToken)
	}
	return res, nil
}

// CancelOrder requests cancellation of an open order.
func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad exchange order id %q: %w", exchangeOrderID, err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return classify(fmt.Errorf("cancelling order %s: %w", exchangeOrderID, err))
	}
	return nil
}

// GetPrice returns the latest traded price for a symbol.
func (b *BinanceFutures) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, err
	}
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, classify(fmt.Errorf("fetching price: %w", err))
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, fmt.Errorf("no price for %q", symbol)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing price %q: %w", prices[0].Price, err)
	}
	return price, nil
}

// GetOpenOrders returns all resting orders for a symbol.
func (b *BinanceFutures) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("listing open orders: %w", err))
	}
	open := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		side := domain.OrderSideBuy
		if o.Side == futures.SideTypeSell {
			side = domain.OrderSideSell
		}
		open = append(open, OpenOrder{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientToken:     o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            side,
			Quantity:        qty,
		})
	}
	return open, nil
}

// GetPosition returns the net position for a symbol, or nil when flat.
func (b *BinanceFutures) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("fetching position: %w", err))
	}
	for _, r := range risks {
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || amt.Sign() == 0 {
			continue
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		side := domain.SideLong
		if amt.Sign() < 0 {
			side = domain.SideShort
		}
		return &Position{
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: entry,
		}, nil
	}
	return nil, nil
}

// Ping verifies venue connectivity.
func (b *BinanceFutures) Ping(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return b.client.NewPingService().Do(ctx)
}

// ---------------------------------------------------------------------------
// Mapping helpers
// ---------------------------------------------------------------------------

func orderSide(side domain.OrderSide) futures.SideType {
	if side == domain.OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func orderStatus(status futures.OrderStatusType) domain.OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew:
		return domain.OrderStatusSubmitted
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartialFill
	case futures.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}

func orderToResult(o *futures.Order, clientToken string) *OrderResult {
	avgPrice, _ := decimal.NewFromString(o.AvgPrice)
	executed, _ := decimal.NewFromString(o.ExecutedQuantity)
	return &OrderResult{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientToken:     clientToken,
		Status:          orderStatus(o.Status),
		AvgFillPrice:    avgPrice,
		FilledQuantity:  executed,
		FilledAt:        time.UnixMilli(o.UpdateTime).UTC(),
	}
}

// isOrderNotFound matches Binance error -2013 ("Order does not exist").
func isOrderNotFound(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == -2013
}

// classify wraps retryable failures as transient. Anything that is not a
// Binance API error is a transport problem; among API errors, rate limits and
// internal errors are worth retrying.
func classify(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return MarkTransient(err)
	}
	switch apiErr.Code {
	case -1000, -1001, -1003, -1007, -1016:
		return MarkTransient(err)
	}
	return err
}
