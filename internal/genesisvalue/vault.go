// Package genesisvalue implements the per-currency compounding-factor
// registry and the maturity-invariant genesis-value balances that carry
// positions across auto-rolls.
//
// Each maturity of a currency has one auto-roll log holding the unit price
// used to roll into it and a lending/borrowing compound factor pair; the
// logs form a chronological chain seeded by an initial compound factor.
// Genesis value is future value divided by the source maturity's compound
// factor, scaled by a per-currency decimal scale so precision survives an
// unbounded number of rolls.
//
// All monetary values use shopspring/decimal — never float64 for money.
package genesisvalue

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/num"
)

var (
	// ErrInitialCompoundFactorAlreadySet is returned on double
	// initialization of a currency.
	ErrInitialCompoundFactorAlreadySet = errors.New("genesisvalue: initial compound factor already set")

	// ErrCurrencyNotInitialized is returned when a currency has no
	// compound factor chain yet.
	ErrCurrencyNotInitialized = errors.New("genesisvalue: currency not initialized")

	// ErrMarketNotMatured is returned when a rotation is attempted before
	// the source maturity has passed.
	ErrMarketNotMatured = errors.New("genesisvalue: market has not matured")

	// ErrAutoRollLogAlreadySet guards the write-once property of a
	// maturity's roll record.
	ErrAutoRollLogAlreadySet = errors.New("genesisvalue: auto-roll log already set for maturity")

	// ErrAutoRollLogNotFound is returned for a maturity outside the chain.
	ErrAutoRollLogNotFound = errors.New("genesisvalue: auto-roll log not found")
)

// compoundFactorScale is the number of fractional digits kept when the
// compound factor recurrence truncates.
const compoundFactorScale = 24

// currencyState is one currency's chain and balances.
type currencyState struct {
	decimals        int32
	scale           decimal.Decimal // 10^decimals
	initialMaturity int64
	latestMaturity  int64
	logs            map[int64]*model.AutoRollLog
	balances        map[string]decimal.Decimal
}

// Vault owns compound factors and genesis-value balances exclusively; no
// other component mutates them. Not goroutine-safe; the owning controller
// serializes access.
type Vault struct {
	currencies map[string]*currencyState
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{currencies: make(map[string]*currencyState)}
}

// Initialize seeds a currency's chain: the first maturity gets the initial
// compound factor on both sides and a unit price of PriceDigit (par).
func (v *Vault) Initialize(currency string, decimals int32, initialCF decimal.Decimal, firstMaturity int64) error {
	if _, ok := v.currencies[currency]; ok {
		return ErrInitialCompoundFactorAlreadySet
	}
	st := &currencyState{
		decimals:        decimals,
		scale:           decimal.New(1, decimals),
		initialMaturity: firstMaturity,
		latestMaturity:  firstMaturity,
		logs:            make(map[int64]*model.AutoRollLog),
		balances:        make(map[string]decimal.Decimal),
	}
	st.logs[firstMaturity] = &model.AutoRollLog{
		Currency:    currency,
		Maturity:    firstMaturity,
		UnitPrice:   num.PriceDigit,
		LendingCF:   initialCF,
		BorrowingCF: initialCF,
	}
	v.currencies[currency] = st
	return nil
}

// IsInitialized reports whether the currency has a chain.
func (v *Vault) IsInitialized(currency string) bool {
	_, ok := v.currencies[currency]
	return ok
}

// Rotate extends the chain from the matured maturity to the next one.
//
// The new factors follow the recurrence
//
//	lendingCF(to)   = lendingCF(from)   * (PD² − unitPrice*feeRate) / (unitPrice*PD)
//	borrowingCF(to) = borrowingCF(from) * (PD² + unitPrice*feeRate) / (unitPrice*PD)
//
// with PD = PriceDigit. The subtract/add asymmetry is the auto-roll fee; it
// is credited to the reserve fund's genesis value so the identity
// sum(genesisValue) == totalLendingSupply − totalBorrowingSupply holds.
// The log written for `to` is immutable afterwards.
func (v *Vault) Rotate(currency string, from, to int64, unitPrice, feeRate decimal.Decimal, now int64) (model.AutoRollLog, error) {
	st, ok := v.currencies[currency]
	if !ok {
		return model.AutoRollLog{}, ErrCurrencyNotInitialized
	}
	fromLog, ok := st.logs[from]
	if !ok {
		return model.AutoRollLog{}, ErrAutoRollLogNotFound
	}
	if _, exists := st.logs[to]; exists {
		return model.AutoRollLog{}, ErrAutoRollLogAlreadySet
	}
	if now < from {
		return model.AutoRollLog{}, ErrMarketNotMatured
	}

	denom := unitPrice.Mul(num.PriceDigit)
	lendNum := num.PriceDigitSquared.Sub(unitPrice.Mul(feeRate))
	borrowNum := num.PriceDigitSquared.Add(unitPrice.Mul(feeRate))

	lendingCF, _ := fromLog.LendingCF.Mul(lendNum).QuoRem(denom, compoundFactorScale)
	borrowingCF, _ := fromLog.BorrowingCF.Mul(borrowNum).QuoRem(denom, compoundFactorScale)

	log := &model.AutoRollLog{
		Currency:     currency,
		Maturity:     to,
		PrevMaturity: from,
		UnitPrice:    unitPrice,
		LendingCF:    lendingCF,
		BorrowingCF:  borrowingCF,
	}
	st.logs[to] = log
	fromLog.NextMaturity = to
	st.latestMaturity = to

	v.accrueRollFee(st, lendingCF, borrowingCF)

	return *log, nil
}

// accrueRollFee credits the reserve fund with the genesis value of the
// spread the roll opened between the borrowing and lending factors, sized
// on the outstanding borrowing supply.
func (v *Vault) accrueRollFee(st *currencyState, lendingCF, borrowingCF decimal.Decimal) {
	spread := borrowingCF.Sub(lendingCF)
	if !spread.IsPositive() {
		return
	}
	borrowSupply := decimal.Zero
	for _, bal := range st.balances {
		if bal.IsNegative() {
			borrowSupply = borrowSupply.Add(bal.Neg())
		}
	}
	if !borrowSupply.IsPositive() {
		return
	}
	fee, _ := borrowSupply.Mul(spread).QuoRem(lendingCF, 0)
	st.balances[model.ReserveFundUser] = st.balances[model.ReserveFundUser].Add(fee)
}

// ToGenesisValue converts future value at a maturity into genesis value:
// fv * 10^decimals / compoundFactor, truncated toward zero, with the side's
// factor chosen by the sign of the amount.
func (v *Vault) ToGenesisValue(currency string, maturity int64, futureValue decimal.Decimal) (decimal.Decimal, error) {
	st, log, err := v.lookup(currency, maturity)
	if err != nil {
		return decimal.Zero, err
	}
	cf := log.LendingCF
	if futureValue.IsNegative() {
		cf = log.BorrowingCF
	}
	gv, _ := futureValue.Mul(st.scale).QuoRem(cf, 0)
	return gv, nil
}

// ToFutureValue converts genesis value into future value at the destination
// maturity: gv * compoundFactor / 10^decimals, truncated toward zero.
func (v *Vault) ToFutureValue(currency string, maturity int64, genesisValue decimal.Decimal) (decimal.Decimal, error) {
	st, log, err := v.lookup(currency, maturity)
	if err != nil {
		return decimal.Zero, err
	}
	cf := log.LendingCF
	if genesisValue.IsNegative() {
		cf = log.BorrowingCF
	}
	fv, _ := genesisValue.Mul(cf).QuoRem(st.scale, 0)
	return fv, nil
}

func (v *Vault) lookup(currency string, maturity int64) (*currencyState, *model.AutoRollLog, error) {
	st, ok := v.currencies[currency]
	if !ok {
		return nil, nil, ErrCurrencyNotInitialized
	}
	log, ok := st.logs[maturity]
	if !ok {
		return nil, nil, ErrAutoRollLogNotFound
	}
	return st, log, nil
}

// AutoRollLog returns the write-once roll record for a maturity.
func (v *Vault) AutoRollLog(currency string, maturity int64) (model.AutoRollLog, error) {
	_, log, err := v.lookup(currency, maturity)
	if err != nil {
		return model.AutoRollLog{}, err
	}
	return *log, nil
}

// LatestMaturity returns the head of the chain.
func (v *Vault) LatestMaturity(currency string) (int64, error) {
	st, ok := v.currencies[currency]
	if !ok {
		return 0, ErrCurrencyNotInitialized
	}
	return st.latestMaturity, nil
}

// Balance returns the user's genesis value.
func (v *Vault) Balance(currency, user string) decimal.Decimal {
	st, ok := v.currencies[currency]
	if !ok {
		return decimal.Zero
	}
	return st.balances[user]
}

// AddBalance accumulates a genesis-value delta for the user.
func (v *Vault) AddBalance(currency, user string, delta decimal.Decimal) error {
	st, ok := v.currencies[currency]
	if !ok {
		return ErrCurrencyNotInitialized
	}
	st.balances[user] = st.balances[user].Add(delta)
	return nil
}

// TotalSupplies returns the lending (positive) and borrowing (negative,
// reported as magnitude) genesis-value supplies. Their difference equals
// the total balance, which is the reserve fund's accumulated take.
func (v *Vault) TotalSupplies(currency string) (lending, borrowing decimal.Decimal) {
	st, ok := v.currencies[currency]
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	for _, bal := range st.balances {
		if bal.IsNegative() {
			borrowing = borrowing.Add(bal.Neg())
		} else {
			lending = lending.Add(bal)
		}
	}
	return lending, borrowing
}
