// Package pricing computes the satoshi amount and live premium of a trade
// order from its fiat terms and a market exchange rate.
package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// RateOrder is the subset of an order's fields pricing needs. Implemented
// by database.Order; kept narrow so this package never imports database.
type RateOrder interface {
	IsExplicit() bool
	OrderSatoshis() int64
	OrderAmount() decimal.Decimal
	OrderPremium() decimal.Decimal
}

const significantDigits = 6

// SatoshisNow returns the satoshi amount the order is worth right now: the
// order's fixed satoshis when explicit, otherwise the fiat amount converted
// through rate*(1+premium/100).
func SatoshisNow(order RateOrder, rate float64) (int64, error) {
	if order.IsExplicit() {
		return order.OrderSatoshis(), nil
	}
	if rate <= 0 {
		return 0, fmt.Errorf("pricing: invalid exchange rate %v", rate)
	}

	effective := decimal.NewFromFloat(rate).Mul(
		decimal.NewFromInt(1).Add(order.OrderPremium().Div(decimal.NewFromInt(100))),
	)
	if effective.Sign() <= 0 {
		return 0, fmt.Errorf("pricing: non-positive effective rate %s", effective)
	}

	sats := order.OrderAmount().Div(effective).Mul(decimal.NewFromInt(100_000_000))
	return sats.Floor().IntPart(), nil
}

// PriceAndPremiumNow returns the order's live price (rounded to six
// significant figures) and premium percentage, rounded to the nearest
// integer. For an explicit order, the price is derived from the order's own
// amount/satoshis ratio and the premium is computed against the market rate;
// for a floating order, the price is derived from the market rate and the
// stored premium.
func PriceAndPremiumNow(order RateOrder, rate float64) (decimal.Decimal, int64, error) {
	if rate <= 0 {
		return decimal.Zero, 0, fmt.Errorf("pricing: invalid exchange rate %v", rate)
	}
	marketRate := decimal.NewFromFloat(rate)

	if !order.IsExplicit() {
		price := marketRate.Mul(
			decimal.NewFromInt(1).Add(order.OrderPremium().Div(decimal.NewFromInt(100))),
		)
		premiumPct := order.OrderPremium().Round(0).IntPart()
		return roundSignificant(price, significantDigits), premiumPct, nil
	}

	sats := order.OrderSatoshis()
	if sats == 0 {
		return decimal.Zero, 0, fmt.Errorf("pricing: explicit order with zero satoshis")
	}

	btcAmount := decimal.NewFromInt(sats).Div(decimal.NewFromInt(100_000_000))
	orderRate := order.OrderAmount().Div(btcAmount)

	premiumFloat, _ := orderRate.Div(marketRate).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Float64()
	premiumPct := int64(math.Round(premiumFloat))

	return roundSignificant(orderRate, significantDigits), premiumPct, nil
}

// roundSignificant rounds x to n significant figures, rounding the mantissa
// rather than a fixed number of decimal places. Guards x=0, where
// log10 is undefined.
func roundSignificant(x decimal.Decimal, n int) decimal.Decimal {
	if x.IsZero() {
		return decimal.Zero
	}

	f, _ := x.Abs().Float64()
	magnitude := int(math.Floor(math.Log10(f)))
	places := int32(n - 1 - magnitude)

	return x.Round(places)
}
