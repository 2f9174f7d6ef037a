package exchange

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the supported order types.
type OrderType string

const (
	OrderTypePostOnlyLimit OrderType = "post_only_limit"
	OrderTypeIOCLimit      OrderType = "ioc_limit"
	OrderTypeMarket        OrderType = "market"
)

// ProductStatus represents exchange-reported trading status for a product.
type ProductStatus string

const (
	ProductStatusOnline     ProductStatus = "online"
	ProductStatusPostOnly   ProductStatus = "POST_ONLY"
	ProductStatusLimitOnly  ProductStatus = "LIMIT_ONLY"
	ProductStatusCancelOnly ProductStatus = "CANCEL_ONLY"
	ProductStatusOffline    ProductStatus = "OFFLINE"
)

// Tradable reports whether new orders are accepted for this status.
// Unknown statuses fail closed.
func (s ProductStatus) Tradable() bool {
	return s == ProductStatusOnline
}

// LiquidityIndicator marks a fill as maker or taker.
type LiquidityIndicator string

const (
	LiquidityMaker LiquidityIndicator = "MAKER"
	LiquidityTaker LiquidityIndicator = "TAKER"
)

// Product describes a tradable product.
type Product struct {
	Symbol      string        `json:"product_id"`
	Status      ProductStatus `json:"status"`
	LotSize     float64       `json:"lot_size"`
	TickSize    float64       `json:"tick_size"`
	MinNotional float64       `json:"min_notional"`
	Volume24h   float64       `json:"volume_24h"`
}

// Quote is a top-of-book quote.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Mid    float64   `json:"mid"`
	Ts     time.Time `json:"ts"`
}

// SpreadBps returns the bid/ask spread in basis points of mid.
func (q Quote) SpreadBps() float64 {
	if q.Mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / q.Mid * 10000
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook holds top-of-book depth.
type OrderBook struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// TopDepthUSD returns combined top-of-book notional depth.
func (b OrderBook) TopDepthUSD() float64 {
	var depth float64
	if len(b.Bids) > 0 {
		depth += b.Bids[0].Price * b.Bids[0].Size
	}
	if len(b.Asks) > 0 {
		depth += b.Asks[0].Price * b.Asks[0].Size
	}
	return depth
}

// Candle is one OHLCV bar.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Granularity values accepted by GetOHLCV.
const (
	GranularityOneMinute     = "ONE_MINUTE"
	GranularityFiveMinute    = "FIVE_MINUTE"
	GranularityFifteenMinute = "FIFTEEN_MINUTE"
	GranularityOneHour       = "ONE_HOUR"
	GranularityOneDay        = "ONE_DAY"
)

// Account is a currency balance.
type Account struct {
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
	Hold     float64 `json:"hold"`
}

// PlaceOrderRequest describes a new order submission.
type PlaceOrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"product_id"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"order_type"`
	Price         float64   `json:"price,omitempty"`      // limit orders
	SizeBase      float64   `json:"size_base,omitempty"`  // base units
	SizeQuote     float64   `json:"size_quote,omitempty"` // quote notional (market buys)
}

// ErrorResponse carries the exchange's full rejection payload for the
// ORDER_REJECT log.
type ErrorResponse struct {
	ErrorCode            string `json:"error"`
	Message              string `json:"message"`
	PreviewFailureReason string `json:"preview_failure_reason,omitempty"`
	Raw                  string `json:"raw,omitempty"`
}

// PlaceOrderResponse is the exchange's acknowledgement.
type PlaceOrderResponse struct {
	OrderID       string         `json:"order_id"`
	ClientOrderID string         `json:"client_order_id"`
	Success       bool           `json:"success"`
	ErrorResponse *ErrorResponse `json:"error_response,omitempty"`
}

// OpenOrder is an order the exchange reports as live.
type OpenOrder struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"product_id"`
	Side          OrderSide `json:"side"`
	Price         float64   `json:"price"`
	SizeBase      float64   `json:"size_base"`
	FilledSize    float64   `json:"filled_size"`
}

// Fill is a single execution. The wire schema reports numeric fields as
// strings; SizeInQuote controls whether Size is base units or quote
// notional and MUST be checked before interpreting Size.
type Fill struct {
	EntryID            string             `json:"entry_id"`
	TradeID            string             `json:"trade_id"`
	OrderID            string             `json:"order_id"`
	Symbol             string             `json:"product_id"`
	TradeTime          time.Time          `json:"trade_time"`
	Price              string             `json:"price"`
	Size               string             `json:"size"`
	SizeInQuote        bool               `json:"size_in_quote"`
	Commission         string             `json:"commission"`
	LiquidityIndicator LiquidityIndicator `json:"liquidity_indicator"`
	Side               OrderSide          `json:"side"`
}

// ParsedFill is a Fill with its string fields decoded and the
// size_in_quote flag resolved into explicit base and quote amounts.
type ParsedFill struct {
	TradeID       string
	OrderID       string
	Symbol        string
	TradeTime     time.Time
	Price         float64
	BaseQty       float64
	QuoteNotional float64
	Commission    float64
	Liquidity     LiquidityIndicator
	Side          OrderSide
}

// Parse decodes the fill's string numbers and resolves size_in_quote.
// When size_in_quote is true the wire size is quote currency and base
// quantity is derived as size/price; otherwise size is base units.
func (f Fill) Parse() (ParsedFill, error) {
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return ParsedFill{}, fmt.Errorf("fill %s: invalid price %q: %w", f.TradeID, f.Price, err)
	}
	size, err := decimal.NewFromString(f.Size)
	if err != nil {
		return ParsedFill{}, fmt.Errorf("fill %s: invalid size %q: %w", f.TradeID, f.Size, err)
	}
	if price.IsZero() {
		return ParsedFill{}, fmt.Errorf("fill %s: zero price", f.TradeID)
	}
	commission := decimal.Zero
	if f.Commission != "" {
		commission, err = decimal.NewFromString(f.Commission)
		if err != nil {
			return ParsedFill{}, fmt.Errorf("fill %s: invalid commission %q: %w", f.TradeID, f.Commission, err)
		}
	}

	var baseQty, quoteNotional decimal.Decimal
	if f.SizeInQuote {
		quoteNotional = size
		baseQty = size.Div(price)
	} else {
		baseQty = size
		quoteNotional = size.Mul(price)
	}

	pf, _ := price.Float64()
	bq, _ := baseQty.Float64()
	qn, _ := quoteNotional.Float64()
	cm, _ := commission.Float64()

	return ParsedFill{
		TradeID:       f.TradeID,
		OrderID:       f.OrderID,
		Symbol:        f.Symbol,
		TradeTime:     f.TradeTime,
		Price:         pf,
		BaseQty:       bq,
		QuoteNotional: qn,
		Commission:    cm,
		Liquidity:     f.LiquidityIndicator,
		Side:          f.Side,
	}, nil
}

// ListFillsRequest filters a fills query.
type ListFillsRequest struct {
	OrderID   string
	ProductID string
	StartTime time.Time
	Limit     int
}
