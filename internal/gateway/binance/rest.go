package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
)

const (
	exchangeInfoPath = "/api/v3/exchangeInfo"
	bookTickerPath   = "/api/v3/ticker/bookTicker"

	errCodeInvalidSymbol = -1121
)

type exchangeInfoResponse struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

type exchangeInfoSymbol struct {
	Symbol     string               `json:"symbol"`
	Status     string               `json:"status"`
	BaseAsset  string               `json:"baseAsset"`
	QuoteAsset string               `json:"quoteAsset"`
	Filters    []exchangeInfoFilter `json:"filters"`
}

type exchangeInfoFilter struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice"`
	TickSize    string `json:"tickSize"`
	MinQty      string `json:"minQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

type bookTickerResponse struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	AskPrice decimal.Decimal `json:"askPrice"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// restClient issues public REST calls with bounded retries.
type restClient struct {
	baseURL    string
	http       *http.Client
	maxRetries uint
	clock      func() time.Time
}

func (c *restClient) instrument(ctx context.Context, symbol string) (schema.Instrument, error) {
	var payload exchangeInfoResponse
	if err := c.get(ctx, "binance/exchange_info", exchangeInfoPath, url.Values{"symbol": {symbol}}, &payload); err != nil {
		return schema.Instrument{}, err
	}
	for _, sym := range payload.Symbols {
		if !strings.EqualFold(sym.Symbol, symbol) {
			continue
		}
		inst, err := buildInstrument(sym)
		if err != nil {
			return schema.Instrument{}, err
		}
		return inst, nil
	}
	return schema.Instrument{}, errs.New("binance/exchange_info", errs.CodeNotFound,
		errs.WithMessage("symbol not listed"),
		errs.WithField("symbol", symbol))
}

func buildInstrument(sym exchangeInfoSymbol) (schema.Instrument, error) {
	inst := schema.Instrument{
		Symbol:     strings.ToUpper(sym.Symbol),
		BaseAsset:  strings.ToUpper(strings.TrimSpace(sym.BaseAsset)),
		QuoteAsset: strings.ToUpper(strings.TrimSpace(sym.QuoteAsset)),
	}
	for _, f := range sym.Filters {
		switch strings.ToUpper(strings.TrimSpace(f.FilterType)) {
		case "PRICE_FILTER":
			inst.TickSize = parseFilter(f.TickSize)
			inst.MinPrice = parseFilter(f.MinPrice)
		case "LOT_SIZE":
			inst.StepSize = parseFilter(f.StepSize)
			inst.MinQty = parseFilter(f.MinQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			inst.MinNotional = parseFilter(f.MinNotional)
		}
	}
	if err := inst.Validate(); err != nil {
		return schema.Instrument{}, err
	}
	return inst, nil
}

func parseFilter(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return v
}

func (c *restClient) bookTicker(ctx context.Context, symbol string) (gateway.Tick, error) {
	var payload bookTickerResponse
	if err := c.get(ctx, "binance/book_ticker", bookTickerPath, url.Values{"symbol": {symbol}}, &payload); err != nil {
		return gateway.Tick{}, err
	}
	return gateway.Tick{
		Symbol:  strings.ToUpper(payload.Symbol),
		BestBid: payload.BidPrice,
		BestAsk: payload.AskPrice,
		At:      c.clock(),
	}, nil
}

// get decodes a JSON response into out. Network failures, throttling and 5xx
// responses are retried with exponential backoff; other failures are permanent.
func (c *restClient) get(ctx context.Context, op, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	operation := func() (struct{}, error) {
		return struct{}{}, c.do(ctx, op, endpoint, out)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(c.maxRetries+1))
	if err == nil {
		return nil
	}
	var e *errs.E
	if errors.As(err, &e) {
		return e
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errs.New(op, errs.CodeNetwork, errs.WithMessage("request cancelled"), errs.WithCause(ctxErr))
	}
	return errs.New(op, errs.CodeNetwork, errs.WithCause(err))
}

func (c *restClient) do(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(errs.New(op, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err)))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return errs.New(op, errs.CodeNetwork, errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return classifyStatus(op, resp, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(errs.New(op, errs.CodeExchange,
			errs.WithMessage("decode response"), errs.WithCause(err)))
	}
	return nil
}

func classifyStatus(op string, resp *http.Response, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := strings.TrimSpace(apiErr.Msg)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	opts := []errs.Option{
		errs.WithHTTP(resp.StatusCode),
		errs.WithRawMessage(msg),
	}
	if apiErr.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(apiErr.Code)))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		if wait := resp.Header.Get("Retry-After"); wait != "" {
			opts = append(opts, errs.WithField("retry_after", wait))
		}
		return errs.New(op, errs.CodeRateLimited, append(opts, errs.WithMessage("rate limited"))...)
	case resp.StatusCode >= 500:
		return errs.New(op, errs.CodeUnavailable, append(opts, errs.WithMessage("venue unavailable"))...)
	case apiErr.Code == errCodeInvalidSymbol:
		return backoff.Permanent(errs.New(op, errs.CodeNotFound, append(opts, errs.WithMessage("invalid symbol"))...))
	default:
		return backoff.Permanent(errs.New(op, errs.CodeExchange,
			append(opts, errs.WithMessage(fmt.Sprintf("unexpected status %d", resp.StatusCode)))...))
	}
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return bo
}
