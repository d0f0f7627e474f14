// Package futurevalue keeps the signed face-value balances per
// (currency, maturity, user).
//
// The ledger is a pure accumulator: it is written only by order-book fills,
// unwinds, and genesis-value round-trips, and none of its operations can
// fail. Positive balances are lender claims, negative balances borrower
// debts.
package futurevalue

import (
	"sort"

	"github.com/shopspring/decimal"
)

type key struct {
	currency string
	maturity int64
}

// Ledger holds future-value balances for every maturity of every currency.
// It is not goroutine-safe; the owning controller serializes access.
type Ledger struct {
	balances map[key]map[string]decimal.Decimal
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[key]map[string]decimal.Decimal)}
}

// Add accumulates delta into the user's balance. Zero results are kept so
// Holders stays stable for audit reads within a maturity's lifetime.
func (l *Ledger) Add(currency string, maturity int64, user string, delta decimal.Decimal) {
	k := key{currency, maturity}
	m, ok := l.balances[k]
	if !ok {
		m = make(map[string]decimal.Decimal)
		l.balances[k] = m
	}
	m[user] = m[user].Add(delta)
}

// Balance returns the user's signed future value at one maturity.
func (l *Ledger) Balance(currency string, maturity int64, user string) decimal.Decimal {
	return l.balances[key{currency, maturity}][user]
}

// Set overwrites the user's balance. Used by redemption, which nets a
// position to zero against the reserve fund.
func (l *Ledger) Set(currency string, maturity int64, user string, v decimal.Decimal) {
	k := key{currency, maturity}
	m, ok := l.balances[k]
	if !ok {
		m = make(map[string]decimal.Decimal)
		l.balances[k] = m
	}
	m[user] = v
}

// Holders returns every user with a recorded balance at the maturity,
// sorted for deterministic iteration.
func (l *Ledger) Holders(currency string, maturity int64) []string {
	m := l.balances[key{currency, maturity}]
	users := make([]string, 0, len(m))
	for u := range m {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Total sums all balances at one maturity. Within a maturity it nets to the
// reserve fund's take (fees plus rounding residuals), not to zero.
func (l *Ledger) Total(currency string, maturity int64) decimal.Decimal {
	total := decimal.Zero
	for _, v := range l.balances[key{currency, maturity}] {
		total = total.Add(v)
	}
	return total
}

// DropMaturity deletes every balance at a maturity after all holders have
// been converted to genesis value during rotation.
func (l *Ledger) DropMaturity(currency string, maturity int64) {
	delete(l.balances, key{currency, maturity})
}
