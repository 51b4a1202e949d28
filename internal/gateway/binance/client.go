// Package binance adapts the public Binance spot API to the gateway contract.
// Market data comes from the venue; orders are executed by a local shadow executor.
package binance

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
	"github.com/coachpo/amadeus/internal/gateway/shadow"
)

const defaultMaxRetries = 3

// Options configures a Client.
type Options struct {
	RESTURL    string
	WSURL      string
	Timeout    time.Duration
	MaxRetries uint
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// OptionsFromConfig selects endpoints for the trading mode.
func OptionsFromConfig(cfg config.BinanceConfig, paper bool) Options {
	rest, ws := cfg.Endpoints(paper)
	return Options{RESTURL: rest, WSURL: ws, Timeout: cfg.Timeout.Std()}
}

// Client is a gateway backed by Binance market data and a shadow order executor.
type Client struct {
	opts   Options
	rest   *restClient
	orders *shadow.Executor
	logger *zap.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
	closed bool
}

var _ gateway.Gateway = (*Client)(nil)

// New builds a client. Orders are routed to exec, which is fed every observed book.
func New(opts Options, exec *shadow.Executor) (*Client, error) {
	if strings.TrimSpace(opts.RESTURL) == "" || strings.TrimSpace(opts.WSURL) == "" {
		return nil, errs.New("binance/new", errs.CodeInvalid, errs.WithMessage("rest and websocket endpoints required"))
	}
	if exec == nil {
		return nil, errs.New("binance/new", errs.CodeInvalid,
			errs.WithMessage("live order routing is not supported"),
			errs.WithRemediation("enable shadow execution"))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		opts: opts,
		rest: &restClient{
			baseURL:    strings.TrimRight(opts.RESTURL, "/"),
			http:       httpClient,
			maxRetries: opts.MaxRetries,
			clock:      opts.Clock,
		},
		orders: exec,
		logger: opts.Logger,
	}, nil
}

// Instrument loads the trading filters for symbol.
func (c *Client) Instrument(ctx context.Context, symbol string) (schema.Instrument, error) {
	return c.rest.instrument(ctx, strings.ToUpper(symbol))
}

// BookTicker snapshots top of book over REST.
func (c *Client) BookTicker(ctx context.Context, symbol string) (gateway.Tick, error) {
	t, err := c.rest.bookTicker(ctx, strings.ToUpper(symbol))
	if err != nil {
		return gateway.Tick{}, err
	}
	c.orders.OnBook(t)
	return t, nil
}

// Subscribe streams bookTicker updates for symbol until ctx ends or the client closes.
func (c *Client) Subscribe(ctx context.Context, symbol string) (<-chan gateway.Tick, <-chan error, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, nil, errs.New("binance/subscribe", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, errs.New("binance/subscribe", errs.CodeUnavailable, errs.WithMessage("client closed"))
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = append(c.cancel, cancel)
	c.mu.Unlock()

	s := &bookTickerStream{
		url:    streamURL(c.opts.WSURL, symbol),
		symbol: symbol,
		clock:  c.opts.Clock,
		logger: c.logger,
		onTick: c.orders.OnBook,
		ticks:  make(chan gateway.Tick, tickBuffer),
		errs:   make(chan error, 4),
	}
	go s.run(streamCtx)
	return s.ticks, s.errs, nil
}

func (c *Client) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	return c.orders.CreateOrder(ctx, req)
}

func (c *Client) CancelOrder(ctx context.Context, symbol, id string) (gateway.Order, error) {
	return c.orders.CancelOrder(ctx, symbol, id)
}

func (c *Client) GetOrder(ctx context.Context, symbol, id string) (gateway.Order, error) {
	return c.orders.GetOrder(ctx, symbol, id)
}

// Close stops every stream. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, cancel := range c.cancel {
		cancel()
	}
	c.cancel = nil
	return nil
}
