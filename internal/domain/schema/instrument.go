package schema

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/errs"
)

// Instrument describes the trading filters of a spot symbol.
type Instrument struct {
	Symbol      string          `json:"symbol"`
	BaseAsset   string          `json:"baseAsset"`
	QuoteAsset  string          `json:"quoteAsset"`
	TickSize    decimal.Decimal `json:"tickSize"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MinPrice    decimal.Decimal `json:"minPrice"`
	MinNotional decimal.Decimal `json:"minNotional"`
}

// Validate ensures the filters required for quoting and sizing are present.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !i.TickSize.IsPositive() {
		return errs.New("schema/instrument", errs.CodeInvalid,
			errs.WithMessage("PRICE_FILTER tick size missing"),
			errs.WithField("symbol", i.Symbol))
	}
	if !i.StepSize.IsPositive() {
		return errs.New("schema/instrument", errs.CodeInvalid,
			errs.WithMessage("LOT_SIZE step size missing"),
			errs.WithField("symbol", i.Symbol))
	}
	return nil
}
