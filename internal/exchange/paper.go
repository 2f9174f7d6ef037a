package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PaperExchange simulates fills against real market data. Quotes, books
// and candles come from the wrapped data source; orders never leave the
// process. Maker orders on tier 2/3 products fill probabilistically, the
// rest fill at the slippage-model price.
type PaperExchange struct {
	data     MarketDataSource
	slippage SlippageModel
	makerFee float64 // fraction, e.g. 0.004
	takerFee float64
	tierOf   func(symbol string) int
	rng      *rand.Rand
	log      zerolog.Logger

	mu       sync.RWMutex
	balances map[string]float64
	open     map[string]*paperOrder // exchange_order_id -> order
	fills    []Fill
}

// MarketDataSource is the read-only subset of Exchange the paper engine
// needs for quotes and candles.
type MarketDataSource interface {
	ListProducts(ctx context.Context) ([]Product, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	GetOrderBook(ctx context.Context, symbol string) (OrderBook, error)
	GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]Candle, error)
}

type paperOrder struct {
	id        string
	clientID  string
	symbol    string
	side      OrderSide
	orderType OrderType
	price     float64
	sizeBase  float64
	createdAt time.Time
}

// NewPaperExchange creates a paper adapter seeded with quote balances.
func NewPaperExchange(data MarketDataSource, makerFee, takerFee float64, tierOf func(string) int, initialUSD float64, logger zerolog.Logger) *PaperExchange {
	if tierOf == nil {
		tierOf = func(string) int { return 2 }
	}
	return &PaperExchange{
		data:     data,
		slippage: DefaultSlippageModel(),
		makerFee: makerFee,
		takerFee: takerFee,
		tierOf:   tierOf,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      logger.With().Str("component", "paper_exchange").Logger(),
		balances: map[string]float64{"USD": initialUSD},
		open:     make(map[string]*paperOrder),
	}
}

// ReadOnly implements Exchange. Paper adapters accept orders.
func (p *PaperExchange) ReadOnly() bool { return false }

// ConsecutiveErrors implements Exchange.
func (p *PaperExchange) ConsecutiveErrors() int { return 0 }

// ListProducts implements Exchange.
func (p *PaperExchange) ListProducts(ctx context.Context) ([]Product, error) {
	return p.data.ListProducts(ctx)
}

// GetQuote implements Exchange.
func (p *PaperExchange) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	return p.data.GetQuote(ctx, symbol)
}

// GetOrderBook implements Exchange.
func (p *PaperExchange) GetOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	return p.data.GetOrderBook(ctx, symbol)
}

// GetOHLCV implements Exchange.
func (p *PaperExchange) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]Candle, error) {
	return p.data.GetOHLCV(ctx, symbol, granularity, start, end)
}

// GetAccounts implements Exchange.
func (p *PaperExchange) GetAccounts(ctx context.Context) ([]Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	accounts := make([]Account, 0, len(p.balances))
	for cur, bal := range p.balances {
		accounts = append(accounts, Account{Currency: cur, Balance: bal})
	}
	return accounts, nil
}

// SetBalance seeds a currency balance, used by tests.
func (p *PaperExchange) SetBalance(currency string, balance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[currency] = balance
}

// PlaceOrder implements Exchange. Taker orders fill immediately at the
// modeled price; maker (post-only) orders rest and fill probabilistically
// on the next reconcile pass, with lower tiers more likely to partial.
func (p *PaperExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	quote, err := p.data.GetQuote(ctx, req.Symbol)
	if err != nil {
		return &PlaceOrderResponse{
			ClientOrderID: req.ClientOrderID,
			ErrorResponse: &ErrorResponse{ErrorCode: "QUOTE_UNAVAILABLE", Message: err.Error()},
		}, nil
	}

	sizeBase := req.SizeBase
	if sizeBase == 0 && req.SizeQuote > 0 && quote.Mid > 0 {
		sizeBase = req.SizeQuote / quote.Mid
	}
	if sizeBase <= 0 {
		return &PlaceOrderResponse{
			ClientOrderID: req.ClientOrderID,
			ErrorResponse: &ErrorResponse{ErrorCode: "INVALID_ORDER_CONFIGURATION", Message: "order size must be positive"},
		}, nil
	}

	order := &paperOrder{
		id:        uuid.New().String(),
		clientID:  req.ClientOrderID,
		symbol:    req.Symbol,
		side:      req.Side,
		orderType: req.Type,
		price:     req.Price,
		sizeBase:  sizeBase,
		createdAt: time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Type == OrderTypePostOnlyLimit {
		// Post-only rejects if it would cross the book.
		if (req.Side == OrderSideBuy && req.Price >= quote.Ask) ||
			(req.Side == OrderSideSell && req.Price <= quote.Bid) {
			return &PlaceOrderResponse{
				ClientOrderID: req.ClientOrderID,
				ErrorResponse: &ErrorResponse{ErrorCode: "POST_ONLY_WOULD_CROSS", Message: "post-only order would cross the spread"},
			}, nil
		}
		p.open[order.id] = order
		p.maybeFillMakerLocked(order, quote)
	} else {
		p.fillTakerLocked(order, quote)
	}

	return &PlaceOrderResponse{OrderID: order.id, ClientOrderID: req.ClientOrderID, Success: true}, nil
}

// fillTakerLocked records an immediate taker fill at the modeled price.
func (p *PaperExchange) fillTakerLocked(order *paperOrder, quote Quote) {
	tier := p.tierOf(order.symbol)
	notional := order.sizeBase * quote.Mid
	price := p.slippage.FillPrice(order.side, quote.Mid, tier, notional, 0)
	p.recordFillLocked(order, price, order.sizeBase, LiquidityTaker)
}

// maybeFillMakerLocked gives resting maker orders a tier-dependent fill
// probability; tier 2/3 fills may be partial.
func (p *PaperExchange) maybeFillMakerLocked(order *paperOrder, quote Quote) {
	tier := p.tierOf(order.symbol)
	fillProb := map[int]float64{1: 0.7, 2: 0.5, 3: 0.35}[tier]
	if fillProb == 0 {
		fillProb = 0.35
	}
	if p.rng.Float64() > fillProb {
		return
	}
	size := order.sizeBase
	if tier > 1 && p.rng.Float64() < 0.4 {
		size = order.sizeBase * (0.3 + 0.6*p.rng.Float64())
	}
	p.recordFillLocked(order, order.price, size, LiquidityMaker)
	if size >= order.sizeBase {
		delete(p.open, order.id)
	} else {
		order.sizeBase -= size
	}
}

// recordFillLocked appends a fill and moves balances.
func (p *PaperExchange) recordFillLocked(order *paperOrder, price, sizeBase float64, liq LiquidityIndicator) {
	feeRate := p.takerFee
	if liq == LiquidityMaker {
		feeRate = p.makerFee
	}
	notional := price * sizeBase
	fee := notional * feeRate

	base := baseCurrency(order.symbol)
	if order.side == OrderSideBuy {
		p.balances["USD"] -= notional + fee
		p.balances[base] += sizeBase
	} else {
		p.balances["USD"] += notional - fee
		p.balances[base] -= sizeBase
	}

	p.fills = append(p.fills, Fill{
		EntryID:            uuid.New().String(),
		TradeID:            uuid.New().String(),
		OrderID:            order.id,
		Symbol:             order.symbol,
		TradeTime:          time.Now(),
		Price:              strconv.FormatFloat(price, 'f', -1, 64),
		Size:               strconv.FormatFloat(sizeBase, 'f', -1, 64),
		SizeInQuote:        false,
		Commission:         strconv.FormatFloat(fee, 'f', -1, 64),
		LiquidityIndicator: liq,
		Side:               order.side,
	})

	p.log.Debug().
		Str("symbol", order.symbol).
		Str("side", string(order.side)).
		Float64("price", price).
		Float64("size", sizeBase).
		Str("liquidity", string(liq)).
		Msg("Simulated fill")

	if order.side == OrderSideSell || liq == LiquidityTaker {
		delete(p.open, order.id)
	}
}

// CancelOrder implements Exchange.
func (p *PaperExchange) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[orderID]; !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	delete(p.open, orderID)
	return nil
}

// CancelOrders implements Exchange.
func (p *PaperExchange) CancelOrders(ctx context.Context, orderIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range orderIDs {
		delete(p.open, id)
	}
	return nil
}

// ListOpenOrders implements Exchange.
func (p *PaperExchange) ListOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	orders := make([]OpenOrder, 0, len(p.open))
	for _, o := range p.open {
		orders = append(orders, OpenOrder{
			OrderID:       o.id,
			ClientOrderID: o.clientID,
			Symbol:        o.symbol,
			Side:          o.side,
			Price:         o.price,
			SizeBase:      o.sizeBase,
		})
	}
	return orders, nil
}

// ListFills implements Exchange.
func (p *PaperExchange) ListFills(ctx context.Context, req ListFillsRequest) ([]Fill, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Fill
	for _, f := range p.fills {
		if req.OrderID != "" && f.OrderID != req.OrderID {
			continue
		}
		if req.ProductID != "" && f.Symbol != req.ProductID {
			continue
		}
		if !req.StartTime.IsZero() && f.TradeTime.Before(req.StartTime) {
			continue
		}
		out = append(out, f)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// baseCurrency extracts the base currency from a product id like BTC-USD.
func baseCurrency(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' {
			return symbol[:i]
		}
	}
	return symbol
}
