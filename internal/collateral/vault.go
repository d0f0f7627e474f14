// Package collateral implements the default collateral custody and currency
// conversion collaborators consumed by the market controller.
//
// Coverage is checked against the user's aggregate exposure: deposits are
// haircut-weighted into the base currency and compared with the user's debt
// plus working borrow orders, scaled by the liquidation threshold rate. The
// engine core never computes collateral sufficiency itself; it only asks
// this vault.
package collateral

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/num"
)

var (
	// ErrInsufficientDeposit is returned when a withdrawal exceeds the
	// deposited balance.
	ErrInsufficientDeposit = errors.New("collateral: insufficient deposit")

	// ErrUnknownCurrency is returned for a currency without a registered
	// rate.
	ErrUnknownCurrency = errors.New("collateral: unknown currency")
)

// CurrencyInfo registers one currency with the vault.
type CurrencyInfo struct {
	// BaseRate converts one unit of the currency into base currency units.
	BaseRate decimal.Decimal

	// Haircut is the basis-point discount applied to deposits of this
	// currency when they back a position.
	Haircut decimal.Decimal
}

// Vault tracks deposits per user and currency and answers coverage and
// liquidation queries. Not goroutine-safe; callers serialize access.
type Vault struct {
	// ThresholdRate is the required ratio of haircut collateral to
	// exposure, in basis points (12500 = 125%).
	ThresholdRate decimal.Decimal

	currencies map[string]CurrencyInfo
	deposits   map[string]map[string]decimal.Decimal
}

// NewVault creates a vault with the given registered currencies.
func NewVault(thresholdRate decimal.Decimal, currencies map[string]CurrencyInfo) *Vault {
	return &Vault{
		ThresholdRate: thresholdRate,
		currencies:    currencies,
		deposits:      make(map[string]map[string]decimal.Decimal),
	}
}

// Exists reports whether the currency is registered.
func (v *Vault) Exists(currency string) bool {
	_, ok := v.currencies[currency]
	return ok
}

// Haircut returns the basis-point haircut for a currency.
func (v *Vault) Haircut(currency string) decimal.Decimal {
	return v.currencies[currency].Haircut
}

// ConvertToBase converts an amount of currency into base currency units,
// truncating.
func (v *Vault) ConvertToBase(currency string, amount decimal.Decimal) (decimal.Decimal, error) {
	info, ok := v.currencies[currency]
	if !ok {
		return decimal.Zero, ErrUnknownCurrency
	}
	return amount.Mul(info.BaseRate).Truncate(0), nil
}

// ConvertFromBase converts base currency units back into the currency,
// truncating.
func (v *Vault) ConvertFromBase(currency string, amount decimal.Decimal) (decimal.Decimal, error) {
	info, ok := v.currencies[currency]
	if !ok {
		return decimal.Zero, ErrUnknownCurrency
	}
	if !info.BaseRate.IsPositive() {
		return decimal.Zero, ErrUnknownCurrency
	}
	return amount.Div(info.BaseRate).Truncate(0), nil
}

// AddDeposit credits collateral for a user.
func (v *Vault) AddDeposit(user, currency string, amount decimal.Decimal) error {
	if !v.Exists(currency) {
		return ErrUnknownCurrency
	}
	m, ok := v.deposits[user]
	if !ok {
		m = make(map[string]decimal.Decimal)
		v.deposits[user] = m
	}
	m[currency] = m[currency].Add(amount)
	return nil
}

// RemoveDeposit debits collateral for a user.
func (v *Vault) RemoveDeposit(user, currency string, amount decimal.Decimal) error {
	m := v.deposits[user]
	if m[currency].LessThan(amount) {
		return ErrInsufficientDeposit
	}
	m[currency] = m[currency].Sub(amount)
	return nil
}

// DepositAmount returns the user's deposit in one currency.
func (v *Vault) DepositAmount(user, currency string) decimal.Decimal {
	return v.deposits[user][currency]
}

// IsCovered reports whether the user's haircut collateral meets the
// threshold against their aggregate exposure across currencies.
func (v *Vault) IsCovered(user string, funds []model.FundCalculation) bool {
	exposure, collateral := v.exposureAndCollateral(user, funds)
	if !exposure.IsPositive() {
		return true
	}
	// collateral / exposure >= threshold/10000
	return collateral.Mul(num.PriceDigit).GreaterThanOrEqual(exposure.Mul(v.ThresholdRate))
}

// LiquidationAmount returns the base-currency debt volume eligible for
// liquidation: zero while covered, otherwise half the outstanding debt.
func (v *Vault) LiquidationAmount(user string, funds []model.FundCalculation) decimal.Decimal {
	exposure, collateral := v.exposureAndCollateral(user, funds)
	if !exposure.IsPositive() {
		return decimal.Zero
	}
	if collateral.Mul(num.PriceDigit).GreaterThanOrEqual(exposure.Mul(v.ThresholdRate)) {
		return decimal.Zero
	}
	debt := decimal.Zero
	for _, f := range funds {
		base, err := v.ConvertToBase(f.Currency, f.DebtValue)
		if err != nil {
			continue
		}
		debt = debt.Add(base)
	}
	return num.DivFloor(debt, decimal.NewFromInt(2))
}

// exposureAndCollateral aggregates the user's debt-side exposure and
// haircut deposit value, both in base currency.
func (v *Vault) exposureAndCollateral(user string, funds []model.FundCalculation) (exposure, collateral decimal.Decimal) {
	for _, f := range funds {
		base, err := v.ConvertToBase(f.Currency, f.DebtValue.Add(f.WorkingBorrowOrders))
		if err != nil {
			continue
		}
		exposure = exposure.Add(base)

		// Lending-side value counts toward collateral at full weight.
		claim, err := v.ConvertToBase(f.Currency, f.ClaimableValue)
		if err == nil {
			collateral = collateral.Add(claim)
		}
	}
	for currency, amount := range v.deposits[user] {
		base, err := v.ConvertToBase(currency, amount)
		if err != nil {
			continue
		}
		weighted := num.DivFloor(base.Mul(v.currencies[currency].Haircut), num.PriceDigit)
		collateral = collateral.Add(weighted)
	}
	return exposure, collateral
}
