package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/gateway"
)

const tickBuffer = 64

// bookTickerStream keeps one bookTicker connection alive, reconnecting with
// exponential backoff until its context ends.
type bookTickerStream struct {
	url    string
	symbol string
	clock  func() time.Time
	logger *zap.Logger
	onTick func(gateway.Tick)

	ticks chan gateway.Tick
	errs  chan error
}

func streamURL(base, symbol string) string {
	return strings.TrimRight(base, "/") + "/" + strings.ToLower(symbol) + "@bookTicker"
}

func (s *bookTickerStream) run(ctx context.Context) {
	defer close(s.ticks)
	defer close(s.errs)

	bo := newBackOff()
	bo.MaxInterval = 30 * time.Second
	for {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.report(fmt.Errorf("dial %s: %w", s.url, err))
		} else {
			s.logger.Info("book ticker stream connected", zap.String("symbol", s.symbol))
			bo.Reset()
			err = s.readLoop(ctx, conn)
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
				return
			}
			_ = conn.Close(websocket.StatusGoingAway, "")
			s.report(fmt.Errorf("read loop: %w", err))
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = bo.MaxInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *bookTickerStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		tick, err := parseBookTicker(data, s.clock())
		if err != nil {
			s.report(err)
			continue
		}
		if tick.Symbol == "" {
			tick.Symbol = s.symbol
		}
		if s.onTick != nil {
			s.onTick(tick)
		}
		select {
		case s.ticks <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *bookTickerStream) report(err error) {
	s.logger.Warn("book ticker stream error", zap.String("symbol", s.symbol), zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}

// parseBookTicker reads a bookTicker frame. Keys are matched exactly since
// "b"/"B" and "a"/"A" differ only by case.
func parseBookTicker(data []byte, at time.Time) (gateway.Tick, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return gateway.Tick{}, fmt.Errorf("decode book ticker: %w", err)
	}
	bid, err := decimalField(fields, "b")
	if err != nil {
		return gateway.Tick{}, err
	}
	ask, err := decimalField(fields, "a")
	if err != nil {
		return gateway.Tick{}, err
	}
	var symbol string
	if raw, ok := fields["s"]; ok {
		_ = json.Unmarshal(raw, &symbol)
	}
	return gateway.Tick{Symbol: strings.ToUpper(symbol), BestBid: bid, BestAsk: ask, At: at}, nil
}

func decimalField(fields map[string]json.RawMessage, key string) (decimal.Decimal, error) {
	raw, ok := fields[key]
	if !ok {
		return decimal.Zero, errors.New("book ticker missing field " + key)
	}
	var v decimal.Decimal
	if err := json.Unmarshal(raw, &v); err != nil {
		return decimal.Zero, fmt.Errorf("book ticker field %s: %w", key, err)
	}
	return v, nil
}
