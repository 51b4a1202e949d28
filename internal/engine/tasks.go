package engine

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
	"github.com/coachpo/amadeus/internal/paper"
)

const (
	defaultRetryDelay = 500 * time.Millisecond
	maxTraceBytes     = 2000
)

// runFeed bridges the gateway stream into ticks, keeping only the latest
// unconsumed tick. The subscription is re-established with exponential backoff.
func (c *Controller) runFeed(ctx context.Context, feed gateway.MarketFeed, symbol string, ticks chan gateway.Tick) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		stream, streamErrs, err := feed.Subscribe(ctx, symbol)
		if err != nil {
			c.logger.Warn("feed subscribe failed", zap.String("symbol", symbol), zap.Error(err))
			c.publish(ctx, schema.Diag{Text: fmt.Sprintf("FEED subscribe failed: %v", err)})
		} else {
			bo.Reset()
			c.consumeFeed(ctx, stream, streamErrs, ticks)
		}
		if !sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (c *Controller) consumeFeed(ctx context.Context, stream <-chan gateway.Tick, streamErrs <-chan error, ticks chan gateway.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-stream:
			if !ok {
				return
			}
			c.wsMessages.Add(1)
			offerLatest(ticks, tick)
		case err, ok := <-streamErrs:
			if !ok {
				streamErrs = nil
				continue
			}
			if err != nil {
				c.publish(ctx, schema.Diag{Text: fmt.Sprintf("FEED %v", err)})
			}
		}
	}
}

// offerLatest replaces any pending tick with t. It must have a single writer.
func offerLatest(ticks chan gateway.Tick, t gateway.Tick) {
	select {
	case ticks <- t:
		return
	default:
	}
	select {
	case <-ticks:
	default:
	}
	select {
	case ticks <- t:
	default:
	}
}

// runLoop steps the engine on every tick. When no tick arrives within the
// reorder interval it bootstraps from REST or lets the engine idle.
func (c *Controller) runLoop(ctx context.Context, eng *paper.Engine, feed gateway.MarketFeed, cfg config.AppConfig, ticks <-chan gateway.Tick) {
	interval := cfg.Strategy.ReorderInterval.Std()
	symbol := cfg.Strategy.Symbol
	seen := false
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			seen = true
			c.guard(ctx, func() error { return eng.Step(ctx, tick) })
		case <-timer.C:
			if cfg.Strategy.BootstrapOnIdle || !seen {
				c.guard(ctx, func() error {
					reqCtx, cancel := context.WithTimeout(ctx, cfg.Strategy.WSTimeout.Std())
					defer cancel()
					tick, err := feed.BookTicker(reqCtx, symbol)
					if err != nil {
						return fmt.Errorf("REST bootstrap: %w", err)
					}
					return eng.Step(ctx, tick)
				})
			} else {
				c.guard(ctx, func() error { return eng.Idle(ctx) })
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// guard runs step, converting errors and panics into diag events followed by
// a short pause so a failing step cannot spin.
func (c *Controller) guard(ctx context.Context, step func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, truncate(debug.Stack(), maxTraceBytes))
			}
		}()
		return step()
	}()
	if err == nil || ctx.Err() != nil {
		return
	}
	c.logger.Warn("trading step failed", zap.Error(err))
	c.publish(ctx, schema.Diag{Text: "ERROR " + truncateString(err.Error(), maxTraceBytes)})
	sleep(ctx, c.retryDelay)
}

// runStats publishes feed and broadcast throughput every interval.
func (c *Controller) runStats(ctx context.Context, gw *gateway.Meter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := c.clock()
	lastWS := c.wsMessages.Load()
	lastPublished := c.hub.Published()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := c.clock()
		dt := now.Sub(last).Seconds()
		if dt <= 0 {
			dt = interval.Seconds()
		}
		ws := c.wsMessages.Load()
		published := c.hub.Published()
		wsRate := float64(ws-lastWS) / dt
		c.wsRate.Store(math.Float64bits(wsRate))
		c.publish(ctx, schema.Stats{
			WSRate:        wsRate,
			WSClients:     c.hub.Subscribers(),
			BroadcastRate: float64(published-lastPublished) / dt,
			REST:          gw.Counts(),
		})
		last, lastWS, lastPublished = now, ws, published
	}
}

func (c *Controller) currentWSRate() float64 {
	return math.Float64frombits(c.wsRate.Load())
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(b []byte, limit int) []byte {
	if len(b) > limit {
		return b[:limit]
	}
	return b
}

func truncateString(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
