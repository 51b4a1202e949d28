package paper

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/domain/schema"
)

const equityScale = 8

// Book holds paper balances. It is mutated only by fills and revaluation.
type Book struct {
	Cash     decimal.Decimal
	Base     decimal.Decimal
	Realized decimal.Decimal
	// Cost is the quote spent on the inventory still held.
	Cost   decimal.Decimal
	Mid    decimal.Decimal
	Equity decimal.Decimal
}

// NewBook seeds a book with starting cash.
func NewBook(cash decimal.Decimal) Book {
	return Book{Cash: cash, Equity: cash}
}

// Revalue marks the inventory to mid. A non-positive mid keeps the last mark.
func (b *Book) Revalue(mid decimal.Decimal) {
	if mid.IsPositive() {
		b.Mid = mid
	}
	b.Equity = b.Cash.Add(b.Base.Mul(b.Mid)).Round(equityScale)
}

// Apply books a fill of qty at price. The realized PnL is returned for sells.
func (b *Book) Apply(side schema.Side, qty, price decimal.Decimal) *decimal.Decimal {
	notional := qty.Mul(price)
	var realized *decimal.Decimal
	switch side {
	case schema.SideBuy:
		b.Cash = b.Cash.Sub(notional)
		b.Base = b.Base.Add(qty)
		b.Cost = b.Cost.Add(notional)
	case schema.SideSell:
		avg := decimal.Zero
		if b.Base.IsPositive() {
			avg = b.Cost.Div(b.Base)
		}
		costPart := avg.Mul(qty)
		pnl := notional.Sub(costPart)
		b.Realized = b.Realized.Add(pnl)
		b.Cash = b.Cash.Add(notional)
		b.Base = b.Base.Sub(qty)
		b.Cost = b.Cost.Sub(costPart)
		if !b.Base.IsPositive() {
			b.Cost = decimal.Zero
		}
		realized = &pnl
	}
	b.Revalue(b.Mid)
	return realized
}

// Bank renders the book as a broadcast payload.
func (b Book) Bank() schema.Bank {
	return schema.Bank{Cash: b.Cash, Base: b.Base, Equity: b.Equity, Realized: b.Realized}
}
