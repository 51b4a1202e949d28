package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/config"
)

const defaultLookback = time.Hour

// StoplossGuard locks all pairs after too many stoploss exits inside the lookback.
type StoplossGuard struct {
	locks
	lookback   time.Duration
	tradeLimit int
	stop       time.Duration
}

func newStoplossGuard(spec config.GuardSpec) Guard {
	g := &StoplossGuard{
		locks:      newLocks(KindStoploss),
		lookback:   orDefault(spec.LookbackPeriod.Std(), defaultLookback),
		tradeLimit: spec.TradeLimit,
		stop:       spec.StopDuration.Std(),
	}
	if g.tradeLimit <= 0 {
		g.tradeLimit = 1
	}
	return g
}

func (g *StoplossGuard) Kind() Kind              { return KindStoploss }
func (g *StoplossGuard) Lookback() time.Duration { return g.lookback }
func (g *StoplossGuard) Locks(now time.Time) []Lock {
	return g.snapshot(now)
}
func (g *StoplossGuard) Unlock() { g.reset() }

func (g *StoplossGuard) Evaluate(now time.Time, _ []TradeEvent, _ []EquityPoint) Result {
	if until, ok := g.activeAll(now); ok {
		return Deny(lockedReason(KindStoploss, until))
	}
	return Allow
}

func (g *StoplossGuard) EvaluatePair(time.Time, string, []TradeEvent) Result { return Allow }

// TradeClosed counts stoploss exits in the lookback and locks once the limit is reached.
func (g *StoplossGuard) TradeClosed(now time.Time, history []TradeEvent) {
	if len(history) == 0 || !history[len(history)-1].StoplossHit {
		return
	}
	hits := 0
	for _, t := range since(history, now.Add(-g.lookback)) {
		if t.StoplossHit {
			hits++
		}
	}
	if hits >= g.tradeLimit && g.stop > 0 {
		g.lockAll(now.Add(g.stop))
	}
}

// MaxDrawdownGuard locks all pairs when the equity curve falls too far from its peak.
type MaxDrawdownGuard struct {
	locks
	lookback   time.Duration
	tradeLimit int
	maxDD      float64
	stop       time.Duration
}

func newMaxDrawdownGuard(spec config.GuardSpec) Guard {
	return &MaxDrawdownGuard{
		locks:      newLocks(KindMaxDrawdown),
		lookback:   orDefault(spec.LookbackPeriod.Std(), defaultLookback),
		tradeLimit: spec.TradeLimit,
		maxDD:      spec.MaxAllowedDrawdown,
		stop:       spec.StopDuration.Std(),
	}
}

func (g *MaxDrawdownGuard) Kind() Kind              { return KindMaxDrawdown }
func (g *MaxDrawdownGuard) Lookback() time.Duration { return g.lookback }
func (g *MaxDrawdownGuard) Locks(now time.Time) []Lock {
	return g.snapshot(now)
}
func (g *MaxDrawdownGuard) Unlock()                                           { g.reset() }
func (g *MaxDrawdownGuard) EvaluatePair(time.Time, string, []TradeEvent) Result { return Allow }
func (g *MaxDrawdownGuard) TradeClosed(time.Time, []TradeEvent)               {}

func (g *MaxDrawdownGuard) Evaluate(now time.Time, history []TradeEvent, equity []EquityPoint) Result {
	if until, ok := g.activeAll(now); ok {
		return Deny(lockedReason(KindMaxDrawdown, until))
	}
	if g.maxDD <= 0 || len(since(history, now.Add(-g.lookback))) < g.tradeLimit {
		return Allow
	}
	dd := drawdown(equity, now.Add(-g.lookback))
	if dd <= g.maxDD {
		return Allow
	}
	if g.stop > 0 {
		g.lockAll(now.Add(g.stop))
	}
	return Deny(fmt.Sprintf("%s: drawdown %.2f%% > %.2f%%", KindMaxDrawdown, dd*100, g.maxDD*100))
}

// drawdown returns the largest peak-to-trough decline, as a fraction of the peak, after cutoff.
func drawdown(points []EquityPoint, cutoff time.Time) float64 {
	var peak decimal.Decimal
	worst := 0.0
	for _, p := range points {
		if p.At.Before(cutoff) {
			continue
		}
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		if dd := peak.Sub(p.Equity).Div(peak).InexactFloat64(); dd > worst {
			worst = dd
		}
	}
	return worst
}

// CooldownGuard pauses entries for a fixed period after every closed trade.
type CooldownGuard struct {
	locks
	stop time.Duration
}

func newCooldownGuard(spec config.GuardSpec) Guard {
	return &CooldownGuard{locks: newLocks(KindCooldown), stop: spec.StopDuration.Std()}
}

func (g *CooldownGuard) Kind() Kind              { return KindCooldown }
func (g *CooldownGuard) Lookback() time.Duration { return g.stop }
func (g *CooldownGuard) Locks(now time.Time) []Lock {
	return g.snapshot(now)
}
func (g *CooldownGuard) Unlock()                                           { g.reset() }
func (g *CooldownGuard) EvaluatePair(time.Time, string, []TradeEvent) Result { return Allow }

func (g *CooldownGuard) Evaluate(now time.Time, _ []TradeEvent, _ []EquityPoint) Result {
	if until, ok := g.activeAll(now); ok {
		return Deny(lockedReason(KindCooldown, until))
	}
	return Allow
}

// TradeClosed restarts the cooldown window.
func (g *CooldownGuard) TradeClosed(now time.Time, _ []TradeEvent) {
	if g.stop > 0 {
		g.global = now.Add(g.stop)
	}
}

// LowProfitPairsGuard locks a pair whose recent trades earned less than required.
type LowProfitPairsGuard struct {
	locks
	lookback   time.Duration
	tradeLimit int
	required   decimal.Decimal
	stop       time.Duration
}

func newLowProfitPairsGuard(spec config.GuardSpec) Guard {
	g := &LowProfitPairsGuard{
		locks:      newLocks(KindLowProfitPairs),
		lookback:   orDefault(spec.LookbackPeriod.Std(), defaultLookback),
		tradeLimit: spec.TradeLimit,
		required:   decimal.NewFromFloat(spec.RequiredProfit),
		stop:       spec.StopDuration.Std(),
	}
	if g.tradeLimit <= 0 {
		g.tradeLimit = 1
	}
	return g
}

func (g *LowProfitPairsGuard) Kind() Kind              { return KindLowProfitPairs }
func (g *LowProfitPairsGuard) Lookback() time.Duration { return g.lookback }
func (g *LowProfitPairsGuard) Locks(now time.Time) []Lock {
	return g.snapshot(now)
}
func (g *LowProfitPairsGuard) Unlock()                                                  { g.reset() }
func (g *LowProfitPairsGuard) TradeClosed(time.Time, []TradeEvent)                     {}
func (g *LowProfitPairsGuard) Evaluate(time.Time, []TradeEvent, []EquityPoint) Result { return Allow }

func (g *LowProfitPairsGuard) EvaluatePair(now time.Time, pair string, history []TradeEvent) Result {
	if until, ok := g.activePair(now, pair); ok {
		return Deny(lockedReason(KindLowProfitPairs, until) + " for " + pair)
	}
	count := 0
	profit := decimal.Zero
	for _, t := range since(history, now.Add(-g.lookback)) {
		if t.Pair != pair {
			continue
		}
		count++
		profit = profit.Add(t.PnL)
	}
	if count < g.tradeLimit || !profit.LessThan(g.required) {
		return Allow
	}
	if g.stop > 0 {
		g.lockPair(pair, now.Add(g.stop))
	}
	return Deny(fmt.Sprintf("%s: %s profit %s < %s over %d trades", KindLowProfitPairs, pair, profit, g.required, count))
}

func orDefault(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
