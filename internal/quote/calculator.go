// Package quote derives two-sided maker quotes from top of book.
package quote

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/numeric"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
	bpsUnit = decimal.NewFromInt(10000)
)

// Params configures quote computation. Percentages are expressed in percent (0.5 == 0.5%).
type Params struct {
	TargetPct     float64
	MinSpreadPct  float64
	MinNetPct     float64
	MakerFeePct   float64
	TakerFeePct   float64
	Aggressive    bool
	AggressiveBps float64
	Tick          decimal.Decimal
}

// FeePct returns the round-trip fee assumed for the expected edge.
func (p Params) FeePct() float64 {
	if p.Aggressive {
		return p.MakerFeePct + p.TakerFeePct
	}
	return 2 * p.MakerFeePct
}

// Quote is the outcome of a single computation.
type Quote struct {
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Mid       decimal.Decimal
	Buy       decimal.Decimal
	Sell      decimal.Decimal
	SpreadPct float64
	GrossPct  float64
	NetPct    float64
	Reasons   []string
}

// Tradable reports whether no gating rule rejected the quote.
func (q Quote) Tradable() bool { return len(q.Reasons) == 0 }

// Diagnostic renders the gating outcome the way it is published to observers.
func (q Quote) Diagnostic() string {
	if q.Tradable() {
		return "OK"
	}
	return strings.Join(q.Reasons, " | ")
}

// Compute prices both sides around mid and evaluates the spread and economics gates.
func Compute(bid, ask decimal.Decimal, p Params) (Quote, error) {
	if !p.Tick.IsPositive() {
		return Quote{}, errs.New("quote/compute", errs.CodeInvalid, errs.WithMessage("tick size must be positive"))
	}
	if !bid.IsPositive() || !ask.IsPositive() {
		return Quote{}, errs.New("quote/compute", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("non-positive book bid=%s ask=%s", bid, ask)))
	}

	mid := bid.Add(ask).Div(two)
	half := decimal.NewFromFloat(p.TargetPct).Div(decimal.NewFromInt(200))
	buy := numeric.RoundStep(mid.Mul(decimal.NewFromInt(1).Sub(half)), p.Tick)
	sell := numeric.RoundStepUp(mid.Mul(decimal.NewFromInt(1).Add(half)), p.Tick)

	// never quote through the touch
	if floor := numeric.RoundStep(bid, p.Tick); buy.GreaterThan(floor) {
		buy = floor
	}
	if ceil := numeric.RoundStepUp(ask, p.Tick); sell.LessThan(ceil) {
		sell = ceil
	}

	if p.Aggressive {
		takeAsk, takeBid := ask, bid
		if p.AggressiveBps > 0 {
			bump := decimal.NewFromInt(1).Add(decimal.NewFromFloat(p.AggressiveBps).Div(bpsUnit))
			takeAsk = ask.Mul(bump)
			takeBid = bid.Div(bump)
		}
		buy = decimal.Max(buy, numeric.RoundStepUp(takeAsk, p.Tick))
		sell = decimal.Min(sell, numeric.RoundStep(takeBid, p.Tick))
	}

	q := Quote{Bid: bid, Ask: ask, Mid: mid, Buy: buy, Sell: sell}
	q.SpreadPct = ask.Sub(bid).Div(bid).Mul(hundred).InexactFloat64()
	if buy.IsPositive() {
		q.GrossPct = sell.Sub(buy).Div(buy).Mul(hundred).InexactFloat64()
	}
	q.NetPct = q.GrossPct - p.FeePct()

	if bid.GreaterThanOrEqual(ask) {
		q.Reasons = append(q.Reasons, fmt.Sprintf("BOOK crossed bid=%s ask=%s", bid, ask))
	}
	if q.SpreadPct < p.MinSpreadPct {
		q.Reasons = append(q.Reasons, fmt.Sprintf("SPREAD %.5f%% < min %.5f%%", q.SpreadPct, p.MinSpreadPct))
	}
	if q.NetPct < p.MinNetPct {
		q.Reasons = append(q.Reasons, fmt.Sprintf("ECON net≈%.5f%% < %.5f%%", q.NetPct, p.MinNetPct))
	}
	return q, nil
}
