// Package num provides the fixed-point helpers used throughout the engine.
//
// Unit prices are integers in [0, PriceDigit] representing a discount
// factor: a lend of principal a at unit price p yields a face value of
// a * PriceDigit / p. All division is explicit floor or ceil on
// integer-valued decimals so that identical inputs always produce identical
// outputs — no float64, no implicit rounding.
package num

import "github.com/shopspring/decimal"

var (
	// PriceDigit is the unit-price denominator: a unit price of 10000
	// means face value equals principal.
	PriceDigit = decimal.NewFromInt(10000)

	// PriceDigitSquared is PriceDigit * PriceDigit, used by the compound
	// factor recurrence.
	PriceDigitSquared = decimal.NewFromInt(10000 * 10000)

	// SecondsInYear prorates basis-point fee rates by time to maturity.
	SecondsInYear = decimal.NewFromInt(31536000)
)

// DivFloor returns ⌊a / b⌋ for non-negative a and positive b.
func DivFloor(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}

// DivCeil returns ⌈a / b⌉ for non-negative a and positive b.
func DivCeil(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, 0)
	if !r.IsZero() {
		q = q.Add(decimal.New(1, 0))
	}
	return q
}

// FutureValueFloor converts principal at a unit price to face value,
// rounding down. Used for the lender-side credit so rounding never mints
// value.
func FutureValueFloor(amount, unitPrice decimal.Decimal) decimal.Decimal {
	return DivFloor(amount.Mul(PriceDigit), unitPrice)
}

// FutureValueCeil converts principal at a unit price to face value,
// rounding up. Used for the borrower-side debit; the floor/ceil gap is
// swept into the reserve fund.
func FutureValueCeil(amount, unitPrice decimal.Decimal) decimal.Decimal {
	return DivCeil(amount.Mul(PriceDigit), unitPrice)
}

// PresentValue converts face value at a unit price back to principal,
// truncating toward zero for either sign.
func PresentValue(futureValue, unitPrice decimal.Decimal) decimal.Decimal {
	q, _ := futureValue.Mul(unitPrice).QuoRem(PriceDigit, 0)
	return q
}

// PrincipalFloor converts face value at a unit price to the principal that
// purchases it, rounding down.
func PrincipalFloor(futureValue, unitPrice decimal.Decimal) decimal.Decimal {
	return DivFloor(futureValue.Mul(unitPrice), PriceDigit)
}

// ValidUnitPrice reports whether p is an integer in (0, PriceDigit].
func ValidUnitPrice(p decimal.Decimal) bool {
	if !p.Equal(p.Truncate(0)) {
		return false
	}
	return p.IsPositive() && p.LessThanOrEqual(PriceDigit)
}
