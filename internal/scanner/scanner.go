// Package scanner ranks candidate symbols by the edge a quote around mid would
// earn on their current book.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/gateway"
	"github.com/coachpo/amadeus/internal/paper"
	"github.com/coachpo/amadeus/internal/quote"
)

const bpsPerPct = 100.0

// Market is the read side of a gateway needed to score a symbol.
type Market interface {
	Instrument(ctx context.Context, symbol string) (schema.Instrument, error)
	BookTicker(ctx context.Context, symbol string) (gateway.Tick, error)
}

// Candidate is one scored symbol.
type Candidate struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	SpreadBps float64         `json:"spread_bps"`
	NetPct    float64         `json:"net_pct"`
	Tradable  bool            `json:"tradable"`
	Reason    string          `json:"reason,omitempty"`
}

// Skip records a symbol left out of the ranking.
type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Result is the ranking. Best is nil when no candidate passes the quote gates.
type Result struct {
	Best    *Candidate  `json:"best"`
	Top     []Candidate `json:"top"`
	Skipped []Skip      `json:"skipped"`
}

type outcome struct {
	cand *Candidate
	skip *Skip
}

// Scan scores every configured symbol not on the blacklist. Symbols whose book
// spread is below min_spread_bps, or whose data cannot be fetched, are skipped.
// The rest are ordered tradable first, then by expected net edge, then by spread.
func Scan(ctx context.Context, market Market, cfg config.AppConfig, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := cfg.Scanner
	blocked := make(map[string]struct{}, len(sc.Blacklist))
	for _, sym := range sc.Blacklist {
		blocked[normalise(sym)] = struct{}{}
	}
	params := paper.ConfigFromApp(cfg).Quote

	workers := pool.NewWithResults[outcome]().WithMaxGoroutines(max(1, sc.Concurrency))
	seen := make(map[string]struct{}, len(sc.Symbols))
	for _, sym := range sc.Symbols {
		sym = normalise(sym)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		if _, ok := blocked[sym]; ok {
			continue
		}
		workers.Go(func() outcome {
			return score(ctx, market, sym, params, sc.MinSpreadBps)
		})
	}
	outcomes := workers.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Top: []Candidate{}, Skipped: []Skip{}}
	var ranked []Candidate
	for _, o := range outcomes {
		if o.skip != nil {
			res.Skipped = append(res.Skipped, *o.skip)
			continue
		}
		ranked = append(ranked, *o.cand)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Tradable != b.Tradable {
			return a.Tradable
		}
		if a.NetPct != b.NetPct {
			return a.NetPct > b.NetPct
		}
		if a.SpreadBps != b.SpreadBps {
			return a.SpreadBps > b.SpreadBps
		}
		return a.Symbol < b.Symbol
	})
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].Symbol < res.Skipped[j].Symbol })

	if len(ranked) > 0 && ranked[0].Tradable {
		best := ranked[0]
		res.Best = &best
	}
	if len(ranked) > sc.Top {
		ranked = ranked[:sc.Top]
	}
	res.Top = append(res.Top, ranked...)
	logger.Info("scan completed",
		zap.Int("ranked", len(res.Top)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Bool("found", res.Best != nil))
	return res, nil
}

func normalise(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func score(ctx context.Context, market Market, symbol string, params quote.Params, minSpreadBps float64) outcome {
	skip := func(reason string) outcome {
		return outcome{skip: &Skip{Symbol: symbol, Reason: reason}}
	}
	inst, err := market.Instrument(ctx, symbol)
	if err != nil {
		return skip(fmt.Sprintf("instrument: %v", err))
	}
	tick, err := market.BookTicker(ctx, symbol)
	if err != nil {
		return skip(fmt.Sprintf("book ticker: %v", err))
	}
	params.Tick = inst.TickSize
	q, err := quote.Compute(tick.BestBid, tick.BestAsk, params)
	if err != nil {
		return skip(err.Error())
	}
	spreadBps := q.SpreadPct * bpsPerPct
	if spreadBps < minSpreadBps {
		return skip(fmt.Sprintf("spread %.2f bps < %.2f bps", spreadBps, minSpreadBps))
	}
	cand := &Candidate{
		Symbol:    symbol,
		Bid:       q.Bid,
		Ask:       q.Ask,
		SpreadBps: spreadBps,
		NetPct:    q.NetPct,
		Tradable:  q.Tradable(),
	}
	if !cand.Tradable {
		cand.Reason = q.Diagnostic()
	}
	return outcome{cand: cand}
}
