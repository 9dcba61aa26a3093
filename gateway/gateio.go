package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/quantgrid/qgr/types"
)

const DefaultGateHost = "https://data.gateapi.io/api2/1"

// GateIO is the live gate.io REST gateway. Responses are classified
// into the gateway error taxonomy so the shared retry policy can tell
// a flaky wire from a rejected order.
type GateIO struct {
	host   string
	key    string
	secret string
	client *http.Client
}

func NewGateIO(host, key, secret string) *GateIO {
	if host == "" {
		host = DefaultGateHost
	}
	return &GateIO{
		host:   host,
		key:    key,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// pair converts "BTC/USDT" to the exchange's "btc_usdt" form.
func pair(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", "_"))
}

func (g *GateIO) sign(param string) string {
	mac := hmac.New(sha512.New, []byte(g.secret))
	mac.Write([]byte(param))
	return fmt.Sprintf("%x", mac.Sum(nil))
}

func (g *GateIO) request(ctx context.Context, method, path, param string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, g.host+path, strings.NewReader(param))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("key", g.key)
	req.Header.Set("sign", g.sign(param))

	resp, err := g.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return Transient(err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if n, err2 := strconv.Atoi(s); err2 == nil {
				retryAfter = time.Duration(n) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		return Transient(errors.Errorf("%s %s: http %d", method, path, resp.StatusCode))
	case resp.StatusCode >= 400:
		return &RejectionError{Code: resp.StatusCode, Reason: string(data)}
	}
	if err = json.Unmarshal(data, result); err != nil {
		return errors.Wrapf(err, "decode %s response: %s", path, string(data))
	}
	return nil
}

type gateStatus struct {
	Result  interface{} `json:"result"` // "true"/"false" or bool, the API mixes both
	Code    int         `json:"code"`
	Message string      `json:"message"`
}

func (s gateStatus) ok() bool {
	switch v := s.Result.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// err maps an exchange-level failure onto the error taxonomy.
func (s gateStatus) err() error {
	switch s.Code {
	case 0:
		return nil
	case 4, 5, 6: // auth errors never fix themselves by retrying
		return &RejectionError{Code: s.Code, Reason: s.Message}
	case 16, 17: // order not found
		return ErrNotFound
	case 21: // rate limited
		return &RateLimitError{RetryAfter: time.Second}
	default:
		return &RejectionError{Code: s.Code, Reason: s.Message}
	}
}

type gateMarketInfo struct {
	gateStatus
	Pairs []map[string]struct {
		DecimalPlaces   int32   `json:"decimal_places"`
		AmountDecimals  int32   `json:"amount_decimal_places"`
		MinAmount       float64 `json:"min_amount"`
		MinTotal        float64 `json:"min_amount_b"`
	} `json:"pairs"`
}

func (g *GateIO) GetSymbol(ctx context.Context, symbol string) (types.Symbol, error) {
	var res gateMarketInfo
	if err := g.request(ctx, http.MethodGet, "/marketinfo", "", &res); err != nil {
		return types.Symbol{}, err
	}
	want := pair(symbol)
	for _, entry := range res.Pairs {
		for name, info := range entry {
			if name != want {
				continue
			}
			parts := strings.SplitN(symbol, "/", 2)
			if len(parts) != 2 {
				return types.Symbol{}, &RejectionError{Code: 400, Reason: "symbol must be BASE/QUOTE: " + symbol}
			}
			return types.Symbol{
				Symbol:          symbol,
				BaseCurrency:    parts[0],
				QuoteCurrency:   parts[1],
				PricePrecision:  info.DecimalPlaces,
				AmountPrecision: info.AmountDecimals,
				MinAmount:       decimal.NewFromFloat(info.MinAmount),
				MinTotal:        decimal.NewFromFloat(info.MinTotal),
			}, nil
		}
	}
	return types.Symbol{}, &RejectionError{Code: 404, Reason: "unknown symbol " + symbol}
}

type gateTicker struct {
	gateStatus
	Last string `json:"last"`
}

func (g *GateIO) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res gateTicker
	if err := g.request(ctx, http.MethodGet, "/ticker/"+pair(symbol), "", &res); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(res.Last)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "ticker %s last %q", symbol, res.Last)
	}
	return price, nil
}

type gateCandles struct {
	gateStatus
	Data [][]string `json:"data"` // [time, volume, close, high, low, open]
}

func (g *GateIO) Candles(ctx context.Context, symbol string, period time.Duration, size int) ([]float64, error) {
	groupSec := int(period.Seconds())
	rangeHour := int(period.Seconds()*float64(size))/3600 + 1
	path := fmt.Sprintf("/candlestick2/%s?group_sec=%d&range_hour=%d", pair(symbol), groupSec, rangeHour)
	var res gateCandles
	if err := g.request(ctx, http.MethodGet, path, "", &res); err != nil {
		return nil, err
	}
	var closes []float64
	for _, c := range res.Data {
		if len(c) < 3 {
			continue
		}
		v, err := strconv.ParseFloat(c[2], 64)
		if err != nil {
			continue
		}
		closes = append(closes, v)
	}
	if len(closes) > size {
		closes = closes[len(closes)-size:]
	}
	return closes, nil
}

type gateOrderResponse struct {
	gateStatus
	OrderNumber json.Number `json:"orderNumber"`
}

// PlaceOrder submits a limit order carrying the client id in the text
// field, which the exchange echoes back and deduplicates on.
func (g *GateIO) PlaceOrder(ctx context.Context, symbol string, side types.Side, price, qty decimal.Decimal, clientID string) (string, error) {
	path := "/private/buy"
	if side == types.Sell {
		path = "/private/sell"
	}
	param := fmt.Sprintf("currencyPair=%s&rate=%s&amount=%s&text=t-%s",
		pair(symbol), price.String(), qty.String(), clientID)
	var res gateOrderResponse
	if err := g.request(ctx, http.MethodPost, path, param, &res); err != nil {
		return "", err
	}
	if !res.ok() {
		return "", res.err()
	}
	return res.OrderNumber.String(), nil
}

func (g *GateIO) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	param := fmt.Sprintf("currencyPair=%s&orderNumber=%s", pair(symbol), exchangeID)
	var res gateStatus
	if err := g.request(ctx, http.MethodPost, "/private/cancelOrder", param, &res); err != nil {
		return err
	}
	if !res.ok() {
		return res.err()
	}
	return nil
}

type gateOrder struct {
	OrderNumber   json.Number `json:"orderNumber"`
	CurrencyPair  string      `json:"currencyPair"`
	Text          string      `json:"text"`
	Type          string      `json:"type"`
	Rate          json.Number `json:"rate"`
	Amount        json.Number `json:"amount"`
	FilledAmount  json.Number `json:"filledAmount"`
	Status        string      `json:"status"`
	InitialRate   json.Number `json:"initialRate"`
	InitialAmount json.Number `json:"initialAmount"`
}

func (o gateOrder) remote(symbol string) (types.RemoteOrder, error) {
	price, err := decimal.NewFromString(o.Rate.String())
	if err != nil {
		return types.RemoteOrder{}, errors.Wrapf(err, "order %s rate", o.OrderNumber)
	}
	qty := decimal.Zero
	if o.InitialAmount.String() != "" {
		if qty, err = decimal.NewFromString(o.InitialAmount.String()); err != nil {
			return types.RemoteOrder{}, errors.Wrapf(err, "order %s amount", o.OrderNumber)
		}
	} else if qty, err = decimal.NewFromString(o.Amount.String()); err != nil {
		return types.RemoteOrder{}, errors.Wrapf(err, "order %s amount", o.OrderNumber)
	}
	filled := decimal.Zero
	if o.FilledAmount.String() != "" {
		if filled, err = decimal.NewFromString(o.FilledAmount.String()); err != nil {
			return types.RemoteOrder{}, errors.Wrapf(err, "order %s filled", o.OrderNumber)
		}
	}
	side := types.Buy
	if o.Type == "sell" {
		side = types.Sell
	}
	status := types.Acknowledged
	switch o.Status {
	case "closed", "done":
		status = types.Filled
	case "cancelled":
		status = types.Cancelled
	default:
		if filled.IsPositive() {
			status = types.PartiallyFilled
		}
	}
	return types.RemoteOrder{
		ExchangeID: o.OrderNumber.String(),
		ClientID:   strings.TrimPrefix(o.Text, "t-"),
		Symbol:     symbol,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		FilledQty:  filled,
		Status:     status,
	}, nil
}

type gateGetOrder struct {
	gateStatus
	Order gateOrder `json:"order"`
}

func (g *GateIO) QueryOrder(ctx context.Context, symbol, exchangeID string) (types.RemoteOrder, error) {
	param := fmt.Sprintf("orderNumber=%s&currencyPair=%s", exchangeID, pair(symbol))
	var res gateGetOrder
	if err := g.request(ctx, http.MethodPost, "/private/getOrder", param, &res); err != nil {
		return types.RemoteOrder{}, err
	}
	if !res.ok() {
		return types.RemoteOrder{}, res.err()
	}
	return res.Order.remote(symbol)
}

type gateOpenOrders struct {
	gateStatus
	Orders []gateOrder `json:"orders"`
}

// OpenOrders lists resting orders for one symbol. The endpoint returns
// every pair's orders, so the response is filtered on currencyPair.
func (g *GateIO) OpenOrders(ctx context.Context, symbol string) ([]types.RemoteOrder, error) {
	var res gateOpenOrders
	if err := g.request(ctx, http.MethodPost, "/private/openOrders", "", &res); err != nil {
		return nil, err
	}
	if !res.ok() {
		return nil, res.err()
	}
	want := pair(symbol)
	var out []types.RemoteOrder
	for _, o := range res.Orders {
		if !strings.EqualFold(o.CurrencyPair, want) {
			continue
		}
		ro, err := o.remote(symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, ro)
	}
	return out, nil
}

type gateBalances struct {
	gateStatus
	Available map[string]string `json:"available"`
	Locked    map[string]string `json:"locked"`
}

func (g *GateIO) AccountSnapshot(ctx context.Context) (types.AccountSnapshot, error) {
	var res gateBalances
	if err := g.request(ctx, http.MethodPost, "/private/balances", "", &res); err != nil {
		return types.AccountSnapshot{}, err
	}
	if !res.ok() {
		return types.AccountSnapshot{}, res.err()
	}
	balances := make(map[string]decimal.Decimal)
	for cur, s := range res.Available {
		v, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		balances[strings.ToUpper(cur)] = balances[strings.ToUpper(cur)].Add(v)
	}
	for cur, s := range res.Locked {
		v, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		balances[strings.ToUpper(cur)] = balances[strings.ToUpper(cur)].Add(v)
	}
	return types.AccountSnapshot{Balances: balances}, nil
}
