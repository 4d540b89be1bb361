package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// recvWindowMS bounds how far a signed request's timestamp may lag the
// venue clock before it is rejected.
const recvWindowMS = 5000

// Client talks to the venue's futures REST API. All signed endpoints carry a
// recv window, a millisecond timestamp, and an HMAC signature over the
// encoded query string.
type Client struct {
	baseURL string
	apiKey  string
	signer  *Signer
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	log     *zap.Logger
}

func New(baseURL, apiKey, secret string, timeout time.Duration, requestsPerSec float64, log *zap.Logger) *Client {
	if requestsPerSec <= 0 {
		requestsPerSec = 10
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		signer:  NewSigner(secret),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)+1),
		now:     time.Now,
		log:     log,
	}
}

// SetTimeSource replaces the wall clock used to stamp signed requests. The
// host wires the drift-corrected synchronizer in here so local clock skew
// cannot push timestamps outside the recv window.
func (c *Client) SetTimeSource(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// ServerTime returns the venue's clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.public(ctx, "/fapi/v1/time", nil, &out); err != nil {
		return time.Time{}, err
	}
	if out.ServerTime == 0 {
		return time.Time{}, errors.New("server time missing in response")
	}
	return time.UnixMilli(out.ServerTime).UTC(), nil
}

// Depth fetches a top-of-book snapshot for one symbol.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var out struct {
		Bids [][2]Num `json:"bids"`
		Asks [][2]Num `json:"asks"`
	}
	if err := c.public(ctx, "/fapi/v1/depth", params, &out); err != nil {
		return Depth{}, err
	}
	if len(out.Bids) == 0 || len(out.Asks) == 0 {
		return Depth{}, fmt.Errorf("empty order book for %s", symbol)
	}
	return Depth{
		Symbol:  symbol,
		BestBid: out.Bids[0][0].Float64(),
		BestAsk: out.Asks[0][0].Float64(),
	}, nil
}

// TickerPrice fetches the last trade price for one symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out struct {
		Price Num `json:"price"`
	}
	if err := c.public(ctx, "/fapi/v1/ticker/price", params, &out); err != nil {
		return 0, err
	}
	price := out.Price.Float64()
	if price <= 0 {
		return 0, fmt.Errorf("ticker price missing for %s", symbol)
	}
	return price, nil
}

// SetLeverage sets the account leverage for one symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params, nil)
}

// PlaceMarketOrder submits a market order and asks for the RESULT response
// type so the fill price comes back in the acknowledgment.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	var out struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		AvgPrice    Num    `json:"avgPrice"`
		ExecutedQty Num    `json:"executedQty"`
	}
	if err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params, &out); err != nil {
		return Order{}, err
	}
	if out.OrderID == 0 {
		return Order{}, errors.New("order id missing in response")
	}
	return Order{
		OrderID:     out.OrderID,
		Symbol:      out.Symbol,
		Status:      out.Status,
		AvgPrice:    out.AvgPrice.Float64(),
		ExecutedQty: out.ExecutedQty.Float64(),
	}, nil
}

// Positions returns every nonzero entry of the authoritative position list.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var out []struct {
		Symbol      string `json:"symbol"`
		PositionAmt Num    `json:"positionAmt"`
		EntryPrice  Num    `json:"entryPrice"`
		MarkPrice   Num    `json:"markPrice"`
	}
	if err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &out); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(out))
	for _, item := range out {
		qty := item.PositionAmt.Float64()
		if qty == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:     item.Symbol,
			Quantity:   qty,
			EntryPrice: item.EntryPrice.Float64(),
			MarkPrice:  item.MarkPrice.Float64(),
		})
	}
	return positions, nil
}

// AvailableBalance returns the free balance for one asset, usually USDT.
func (c *Client) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	var out []struct {
		Asset            string `json:"asset"`
		AvailableBalance Num    `json:"availableBalance"`
	}
	if err := c.signed(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, &out); err != nil {
		return 0, err
	}
	for _, item := range out {
		if item.Asset == asset {
			return item.AvailableBalance.Float64(), nil
		}
	}
	return 0, fmt.Errorf("asset %s not found in balance response", asset)
}

func (c *Client) public(ctx context.Context, path string, params url.Values, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.apiKey == "" {
		return errors.New("api key is required for signed endpoints")
	}
	params.Set("recvWindow", strconv.Itoa(recvWindowMS))
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	query := params.Encode()
	query += "&signature=" + c.signer.Sign(query)
	target := c.baseURL + path + "?" + query
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Msg: string(body)}
		var decoded struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &decoded) == nil && decoded.Code != 0 {
			apiErr.Code = decoded.Code
			apiErr.Msg = decoded.Msg
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
