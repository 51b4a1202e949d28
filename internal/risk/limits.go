package risk

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/amadeus/errs"
	"github.com/coachpo/amadeus/internal/config"
	"github.com/coachpo/amadeus/internal/domain/schema"
)

// Limits defines per-order risk parameters.
type Limits struct {
	// MaxPosition caps the absolute base holding after a fill. Zero disables the check.
	MaxPosition decimal.Decimal

	// OrderThrottle is the maximum rate of order submissions per second. Zero disables it.
	OrderThrottle float64

	// OrderBurst is the number of submissions allowed back to back.
	OrderBurst int
}

// LimitsFromConfig maps the risk config section.
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{MaxPosition: cfg.MaxPosition, OrderThrottle: cfg.OrderThrottle, OrderBurst: cfg.OrderBurst}
}

// OrderLimiter enforces Limits on order submissions.
type OrderLimiter struct {
	limits  Limits
	limiter *rate.Limiter
}

// NewOrderLimiter creates a limiter with the given limits.
func NewOrderLimiter(limits Limits) *OrderLimiter {
	limit := rate.Inf
	if limits.OrderThrottle > 0 {
		limit = rate.Limit(limits.OrderThrottle)
	}
	burst := limits.OrderBurst
	if burst <= 0 {
		burst = 1
	}
	return &OrderLimiter{limits: limits, limiter: rate.NewLimiter(limit, burst)}
}

// CheckOrder waits for a submission slot and checks the projected position.
// holding is the current base balance.
func (l *OrderLimiter) CheckOrder(ctx context.Context, side schema.Side, qty, holding decimal.Decimal) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errs.New("risk/check-order", errs.CodeRateLimited,
			errs.WithMessage("order throttle limit exceeded"), errs.WithCause(err))
	}
	if !l.limits.MaxPosition.IsPositive() {
		return nil
	}
	projected := holding.Add(qty)
	if side == schema.SideSell {
		projected = holding.Sub(qty)
	}
	if projected.Abs().GreaterThan(l.limits.MaxPosition) {
		return errs.New("risk/check-order", errs.CodeInvalid,
			errs.WithMessage("projected position "+projected.String()+" exceeds max position "+l.limits.MaxPosition.String()),
			errs.WithField("side", string(side)))
	}
	return nil
}
