package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/config"
)

// Kind tags a guard variant. The tag, not the concrete type, decides how the manager evaluates it.
type Kind string

const (
	KindStoploss       Kind = "StoplossGuard"
	KindMaxDrawdown    Kind = "MaxDrawdown"
	KindCooldown       Kind = "CooldownPeriod"
	KindLowProfitPairs Kind = "LowProfitPairs"
)

// PairScoped reports whether the guard decides per trading pair.
func (k Kind) PairScoped() bool {
	return k == KindLowProfitPairs
}

// Result is the outcome of an entry check.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the permissive result.
var Allow = Result{Allowed: true}

// Deny builds a denial.
func Deny(reason string) Result {
	return Result{Allowed: false, Reason: reason}
}

// TradeEvent records a closed trade.
type TradeEvent struct {
	At          time.Time       `json:"ts"`
	Pair        string          `json:"pair"`
	PnL         decimal.Decimal `json:"pnl"`
	StoplossHit bool            `json:"stoploss_hit"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	At     time.Time       `json:"ts"`
	Equity decimal.Decimal `json:"equity"`
}

// Lock blocks entries until Until. An empty Pair locks every pair.
type Lock struct {
	Guard Kind      `json:"guard"`
	Pair  string    `json:"pair,omitempty"`
	Until time.Time `json:"until"`
}

// Active reports whether the lock still applies at now.
func (l Lock) Active(now time.Time) bool {
	return now.Before(l.Until)
}

// Guard is a single protection rule.
type Guard interface {
	Kind() Kind
	// Evaluate decides for all pairs. Pair-scoped guards allow here.
	Evaluate(now time.Time, history []TradeEvent, equity []EquityPoint) Result
	// EvaluatePair decides for one pair. Global guards allow here.
	EvaluatePair(now time.Time, pair string, history []TradeEvent) Result
	// TradeClosed notifies the guard after a trade was appended; it is the last history entry.
	TradeClosed(now time.Time, history []TradeEvent)
	Locks(now time.Time) []Lock
	Unlock()
	// Lookback is how much history the guard inspects.
	Lookback() time.Duration
}

type factory func(spec config.GuardSpec) Guard

var registry = map[Kind]factory{
	KindStoploss:       newStoplossGuard,
	KindMaxDrawdown:    newMaxDrawdownGuard,
	KindCooldown:       newCooldownGuard,
	KindLowProfitPairs: newLowProfitPairsGuard,
}

// locks is the lock bookkeeping shared by every guard.
type locks struct {
	kind   Kind
	global time.Time
	pairs  map[string]time.Time
}

func newLocks(kind Kind) locks {
	return locks{kind: kind, pairs: make(map[string]time.Time)}
}

func (l *locks) lockAll(until time.Time) {
	if until.After(l.global) {
		l.global = until
	}
}

func (l *locks) lockPair(pair string, until time.Time) {
	if until.After(l.pairs[pair]) {
		l.pairs[pair] = until
	}
}

func (l *locks) activeAll(now time.Time) (time.Time, bool) {
	return l.global, now.Before(l.global)
}

func (l *locks) activePair(now time.Time, pair string) (time.Time, bool) {
	until, ok := l.pairs[pair]
	return until, ok && now.Before(until)
}

func (l *locks) snapshot(now time.Time) []Lock {
	var out []Lock
	if now.Before(l.global) {
		out = append(out, Lock{Guard: l.kind, Until: l.global})
	}
	for pair, until := range l.pairs {
		if now.Before(until) {
			out = append(out, Lock{Guard: l.kind, Pair: pair, Until: until})
		}
	}
	return out
}

func (l *locks) reset() {
	l.global = time.Time{}
	l.pairs = make(map[string]time.Time)
}

func lockedReason(kind Kind, until time.Time) string {
	return string(kind) + ": locked until " + until.UTC().Format(time.RFC3339)
}

func since(history []TradeEvent, cutoff time.Time) []TradeEvent {
	idx := len(history)
	for idx > 0 && !history[idx-1].At.Before(cutoff) {
		idx--
	}
	return history[idx:]
}
