package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	coinbaseBaseURL = "https://api.coinbase.com"
	apiPrefix       = "/api/v3/brokerage"

	// Every exchange call carries a hard timeout so a hung connection can
	// never stall the cycle.
	requestTimeout = 15 * time.Second
)

// Credentials holds the API key pair. Loaded only from the environment,
// never from config files.
type Credentials struct {
	Key    string
	Secret string
}

// CredentialsFromEnv reads CB_API_KEY and CB_API_SECRET.
func CredentialsFromEnv() (Credentials, error) {
	key := os.Getenv("CB_API_KEY")
	secret := os.Getenv("CB_API_SECRET")
	if key == "" || secret == "" {
		return Credentials{}, fmt.Errorf("CB_API_KEY and CB_API_SECRET must be set in the environment")
	}
	return Credentials{Key: key, Secret: secret}, nil
}

// CoinbaseExchange implements Exchange against the Coinbase Advanced Trade
// REST API.
type CoinbaseExchange struct {
	baseURL   string
	creds     Credentials
	client    *http.Client
	limiters  *endpointLimiters
	retry     RetryConfig
	readOnly  bool
	consecErr atomic.Int64
	log       zerolog.Logger
}

// NewCoinbaseExchange creates a live adapter. readOnly adapters reject all
// mutating calls at entry.
func NewCoinbaseExchange(creds Credentials, readOnly bool, logger zerolog.Logger) *CoinbaseExchange {
	return &CoinbaseExchange{
		baseURL:  coinbaseBaseURL,
		creds:    creds,
		client:   &http.Client{Timeout: requestTimeout},
		limiters: newEndpointLimiters(),
		retry:    DefaultRetryConfig(),
		readOnly: readOnly,
		log:      logger.With().Str("component", "coinbase").Logger(),
	}
}

// SetBaseURL overrides the API host, used by tests with httptest servers.
func (c *CoinbaseExchange) SetBaseURL(u string) { c.baseURL = u }

// ReadOnly reports whether mutating calls are refused.
func (c *CoinbaseExchange) ReadOnly() bool { return c.readOnly }

// ConsecutiveErrors returns the consecutive API error count.
func (c *CoinbaseExchange) ConsecutiveErrors() int { return int(c.consecErr.Load()) }

// sign produces the CB-ACCESS-SIGN header value.
func (c *CoinbaseExchange) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.Secret))
	mac.Write([]byte(timestamp + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest executes one signed request with rate limiting and the
// retry-once policy, tracking the consecutive error counter.
func (c *CoinbaseExchange) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, private bool, out interface{}) error {
	var wait func(context.Context) error
	if private {
		wait = c.limiters.waitPrivate
	} else {
		wait = c.limiters.waitPublic
	}

	op := func() error {
		if err := wait(ctx); err != nil {
			return err
		}

		var bodyBytes []byte
		if body != nil {
			var err error
			bodyBytes, err = json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to marshal request body: %w", err)
			}
		}

		fullPath := path
		if len(query) > 0 {
			fullPath = path + "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+fullPath, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("CB-ACCESS-KEY", c.creds.Key)
		req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
		req.Header.Set("CB-ACCESS-SIGN", c.sign(ts, method, path, string(bodyBytes)))

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("coinbase %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("coinbase %s %s: decode response: %w", method, path, err)
			}
		}
		return nil
	}

	err := WithRetry(ctx, c.retry, op)
	if err != nil {
		c.consecErr.Add(1)
		return err
	}
	c.consecErr.Store(0)
	return nil
}

// Wire payloads. Coinbase encodes numbers as strings.

type wireProduct struct {
	ProductID   string `json:"product_id"`
	Status      string `json:"status"`
	BaseIncr    string `json:"base_increment"`
	PriceIncr   string `json:"price_increment"`
	MinNotional string `json:"quote_min_size"`
	Volume24h   string `json:"volume_24h"`
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// ListProducts implements Exchange.
func (c *CoinbaseExchange) ListProducts(ctx context.Context) ([]Product, error) {
	var resp struct {
		Products []wireProduct `json:"products"`
	}
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/products", nil, nil, false, &resp); err != nil {
		return nil, err
	}
	products := make([]Product, 0, len(resp.Products))
	for _, p := range resp.Products {
		products = append(products, Product{
			Symbol:      p.ProductID,
			Status:      ProductStatus(p.Status),
			LotSize:     parseFloat(p.BaseIncr),
			TickSize:    parseFloat(p.PriceIncr),
			MinNotional: parseFloat(p.MinNotional),
			Volume24h:   parseFloat(p.Volume24h),
		})
	}
	return products, nil
}

// GetQuote implements Exchange.
func (c *CoinbaseExchange) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var resp struct {
		PriceBooks []struct {
			ProductID string `json:"product_id"`
			Bids      []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"bids"`
			Asks []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"asks"`
		} `json:"pricebooks"`
	}
	q := url.Values{"product_ids": {symbol}}
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/best_bid_ask", q, nil, false, &resp); err != nil {
		return Quote{}, err
	}
	if len(resp.PriceBooks) == 0 || len(resp.PriceBooks[0].Bids) == 0 || len(resp.PriceBooks[0].Asks) == 0 {
		return Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	bid := parseFloat(resp.PriceBooks[0].Bids[0].Price)
	ask := parseFloat(resp.PriceBooks[0].Asks[0].Price)
	return Quote{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Mid:    (bid + ask) / 2,
		Ts:     time.Now(),
	}, nil
}

// GetOrderBook implements Exchange.
func (c *CoinbaseExchange) GetOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	var resp struct {
		PriceBook struct {
			Bids []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"bids"`
			Asks []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"asks"`
		} `json:"pricebook"`
	}
	q := url.Values{"product_id": {symbol}, "limit": {"10"}}
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/product_book", q, nil, false, &resp); err != nil {
		return OrderBook{}, err
	}
	book := OrderBook{Symbol: symbol}
	for _, b := range resp.PriceBook.Bids {
		book.Bids = append(book.Bids, BookLevel{Price: parseFloat(b.Price), Size: parseFloat(b.Size)})
	}
	for _, a := range resp.PriceBook.Asks {
		book.Asks = append(book.Asks, BookLevel{Price: parseFloat(a.Price), Size: parseFloat(a.Size)})
	}
	return book, nil
}

// GetOHLCV implements Exchange.
func (c *CoinbaseExchange) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]Candle, error) {
	var resp struct {
		Candles []struct {
			Start  string `json:"start"`
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"candles"`
	}
	q := url.Values{
		"granularity": {granularity},
		"start":       {strconv.FormatInt(start.Unix(), 10)},
		"end":         {strconv.FormatInt(end.Unix(), 10)},
	}
	path := fmt.Sprintf("%s/products/%s/candles", apiPrefix, symbol)
	if err := c.doRequest(ctx, http.MethodGet, path, q, nil, false, &resp); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(resp.Candles))
	for _, cd := range resp.Candles {
		ts, _ := strconv.ParseInt(cd.Start, 10, 64)
		candles = append(candles, Candle{
			Start:  time.Unix(ts, 0).UTC(),
			Open:   parseFloat(cd.Open),
			High:   parseFloat(cd.High),
			Low:    parseFloat(cd.Low),
			Close:  parseFloat(cd.Close),
			Volume: parseFloat(cd.Volume),
		})
	}
	// Coinbase returns newest-first; callers expect chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetAccounts implements Exchange.
func (c *CoinbaseExchange) GetAccounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
			Hold struct {
				Value string `json:"value"`
			} `json:"hold"`
		} `json:"accounts"`
	}
	q := url.Values{"limit": {"250"}}
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/accounts", q, nil, true, &resp); err != nil {
		return nil, err
	}
	accounts := make([]Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		accounts = append(accounts, Account{
			Currency: a.Currency,
			Balance:  parseFloat(a.AvailableBalance.Value),
			Hold:     parseFloat(a.Hold.Value),
		})
	}
	return accounts, nil
}

// PlaceOrder implements Exchange.
func (c *CoinbaseExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	if c.readOnly {
		return nil, fmt.Errorf("adapter is read-only: refusing to place order for %s", req.Symbol)
	}

	orderConfig := map[string]interface{}{}
	switch req.Type {
	case OrderTypePostOnlyLimit:
		orderConfig["limit_limit_gtc"] = map[string]interface{}{
			"base_size":   strconv.FormatFloat(req.SizeBase, 'f', -1, 64),
			"limit_price": strconv.FormatFloat(req.Price, 'f', -1, 64),
			"post_only":   true,
		}
	case OrderTypeIOCLimit:
		orderConfig["sor_limit_ioc"] = map[string]interface{}{
			"base_size":   strconv.FormatFloat(req.SizeBase, 'f', -1, 64),
			"limit_price": strconv.FormatFloat(req.Price, 'f', -1, 64),
		}
	case OrderTypeMarket:
		mkt := map[string]interface{}{}
		if req.Side == OrderSideBuy && req.SizeQuote > 0 {
			mkt["quote_size"] = strconv.FormatFloat(req.SizeQuote, 'f', -1, 64)
		} else {
			mkt["base_size"] = strconv.FormatFloat(req.SizeBase, 'f', -1, 64)
		}
		orderConfig["market_market_ioc"] = mkt
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}

	body := map[string]interface{}{
		"client_order_id":     req.ClientOrderID,
		"product_id":          req.Symbol,
		"side":                string(req.Side),
		"order_configuration": orderConfig,
	}

	var resp struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error                string `json:"error"`
			Message              string `json:"message"`
			PreviewFailureReason string `json:"preview_failure_reason"`
		} `json:"error_response"`
	}
	if err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/orders", nil, body, true, &resp); err != nil {
		return nil, err
	}

	out := &PlaceOrderResponse{
		ClientOrderID: req.ClientOrderID,
		Success:       resp.Success,
	}
	if resp.Success {
		out.OrderID = resp.SuccessResponse.OrderID
	} else {
		raw, _ := json.Marshal(resp.ErrorResponse)
		out.ErrorResponse = &ErrorResponse{
			ErrorCode:            resp.ErrorResponse.Error,
			Message:              resp.ErrorResponse.Message,
			PreviewFailureReason: resp.ErrorResponse.PreviewFailureReason,
			Raw:                  string(raw),
		}
	}
	return out, nil
}

// CancelOrder implements Exchange.
func (c *CoinbaseExchange) CancelOrder(ctx context.Context, orderID string) error {
	return c.CancelOrders(ctx, []string{orderID})
}

// CancelOrders implements Exchange.
func (c *CoinbaseExchange) CancelOrders(ctx context.Context, orderIDs []string) error {
	if c.readOnly {
		return fmt.Errorf("adapter is read-only: refusing to cancel orders")
	}
	if len(orderIDs) == 0 {
		return nil
	}
	body := map[string]interface{}{"order_ids": orderIDs}
	return c.doRequest(ctx, http.MethodPost, apiPrefix+"/orders/batch_cancel", nil, body, true, nil)
}

// ListOpenOrders implements Exchange.
func (c *CoinbaseExchange) ListOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var resp struct {
		Orders []struct {
			OrderID       string `json:"order_id"`
			ClientOrderID string `json:"client_order_id"`
			ProductID     string `json:"product_id"`
			Side          string `json:"side"`
			FilledSize    string `json:"filled_size"`
			OrderConfig   struct {
				LimitGTC struct {
					BaseSize   string `json:"base_size"`
					LimitPrice string `json:"limit_price"`
				} `json:"limit_limit_gtc"`
			} `json:"order_configuration"`
		} `json:"orders"`
	}
	q := url.Values{"order_status": {"OPEN"}}
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/orders/historical/batch", q, nil, true, &resp); err != nil {
		return nil, err
	}
	orders := make([]OpenOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, OpenOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.ProductID,
			Side:          OrderSide(o.Side),
			Price:         parseFloat(o.OrderConfig.LimitGTC.LimitPrice),
			SizeBase:      parseFloat(o.OrderConfig.LimitGTC.BaseSize),
			FilledSize:    parseFloat(o.FilledSize),
		})
	}
	return orders, nil
}

// ServerTime returns the exchange clock, used by the startup clock-skew
// validation.
func (c *CoinbaseExchange) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		EpochSeconds string `json:"epochSeconds"`
	}
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/time", nil, nil, false, &resp); err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(resp.EpochSeconds, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable server time %q", resp.EpochSeconds)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// ListFills implements Exchange.
func (c *CoinbaseExchange) ListFills(ctx context.Context, req ListFillsRequest) ([]Fill, error) {
	q := url.Values{}
	if req.OrderID != "" {
		q.Set("order_id", req.OrderID)
	}
	if req.ProductID != "" {
		q.Set("product_id", req.ProductID)
	}
	if !req.StartTime.IsZero() {
		q.Set("start_sequence_timestamp", req.StartTime.UTC().Format(time.RFC3339))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var resp struct {
		Fills []struct {
			EntryID            string `json:"entry_id"`
			TradeID            string `json:"trade_id"`
			OrderID            string `json:"order_id"`
			ProductID          string `json:"product_id"`
			TradeTime          string `json:"trade_time"`
			Price              string `json:"price"`
			Size               string `json:"size"`
			SizeInQuote        bool   `json:"size_in_quote"`
			Commission         string `json:"commission"`
			LiquidityIndicator string `json:"liquidity_indicator"`
			Side               string `json:"side"`
		} `json:"fills"`
	}
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/orders/historical/fills", q, nil, true, &resp); err != nil {
		return nil, err
	}

	fills := make([]Fill, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		tt, _ := time.Parse(time.RFC3339Nano, f.TradeTime)
		fills = append(fills, Fill{
			EntryID:            f.EntryID,
			TradeID:            f.TradeID,
			OrderID:            f.OrderID,
			Symbol:             f.ProductID,
			TradeTime:          tt,
			Price:              f.Price,
			Size:               f.Size,
			SizeInQuote:        f.SizeInQuote,
			Commission:         f.Commission,
			LiquidityIndicator: LiquidityIndicator(f.LiquidityIndicator),
			Side:               OrderSide(f.Side),
		})
	}
	return fills, nil
}
