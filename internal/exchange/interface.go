package exchange

import (
	"context"
	"time"
)

// Exchange is the adapter contract the engine consumes. CoinbaseExchange
// implements it for live trading; PaperExchange wraps another
// implementation's market data and simulates fills.
type Exchange interface {
	// ListProducts returns all tradable products with status and limits.
	ListProducts(ctx context.Context) ([]Product, error)

	// GetQuote returns the top-of-book quote for a symbol.
	GetQuote(ctx context.Context, symbol string) (Quote, error)

	// GetOrderBook returns top-of-book depth for a symbol.
	GetOrderBook(ctx context.Context, symbol string) (OrderBook, error)

	// GetOHLCV returns candles for the symbol at the given granularity.
	GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]Candle, error)

	// GetAccounts returns all currency balances.
	GetAccounts(ctx context.Context) ([]Account, error)

	// PlaceOrder submits a new order.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error)

	// CancelOrder cancels a single order by exchange order id.
	CancelOrder(ctx context.Context, orderID string) error

	// CancelOrders batch-cancels orders by exchange order id.
	CancelOrders(ctx context.Context, orderIDs []string) error

	// ListOpenOrders returns orders the exchange reports as live. Callers
	// must apply the ghost-order filter before trusting this list.
	ListOpenOrders(ctx context.Context) ([]OpenOrder, error)

	// ListFills returns executions matching the request.
	ListFills(ctx context.Context, req ListFillsRequest) ([]Fill, error)

	// ReadOnly reports whether the adapter refuses mutating calls.
	ReadOnly() bool

	// ConsecutiveErrors returns the current consecutive API error count.
	ConsecutiveErrors() int
}
